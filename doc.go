// Package framesync provides frame synchronization and GPU resource
// lifecycle management for renderers in the GoGPU ecosystem.
//
// # Overview
//
// A renderer that overlaps CPU recording across multiple frames in flight
// must never destroy or reuse a GPU resource the GPU may still be reading.
// framesync tracks GPU progress with monotonic completion counters (timeline
// fences), issues strictly increasing frame tokens, and decides the safe
// moment to free any GPU-owned allocation. It also survives driver device
// loss with a bounded detection-and-recovery state machine.
//
// # Quick Start
//
//	backend := wgpu.NewBackend()
//	if err := backend.Init(); err != nil {
//	    log.Fatal(err)
//	}
//
//	pool, _ := framesync.NewFencePool(backend, framesync.PoolConfig{})
//	fs, _ := framesync.NewFrameSync(backend, framesync.Config{
//	    FramesInFlight: 2,
//	    Pool:           pool,
//	})
//
//	for running {
//	    slot, token, st := fs.BeginFrame(time.Second)
//	    if st != framesync.WaitOK {
//	        break // device lost or stalled; escalate
//	    }
//	    // record and submit GPU work that signals token on completion,
//	    // using the command pool for slot
//	    _ = slot
//	}
//
// # Architecture
//
// The library is organized into:
//   - Core: FencePool, FrameSync, Recovery, Reclaimer, SurfaceCoordinator
//   - Device abstraction: the Device interface over backend fences
//   - Backends: wgpu (gogpu/wgpu HAL), vulkan (vulkan-go)
//   - Internal: record (parallel command-buffer recording workers)
//
// # Threading Model
//
// One render thread owns FrameSync, Recovery, and Reclaimer state
// transitions. Worker goroutines may record secondary command buffers via
// RecordParallel but hand them back for submission and never call the
// wait/reclaim/recovery APIs. Window-event callbacks run on arbitrary
// goroutines and may only set SurfaceCoordinator pending flags.
package framesync

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"
)
