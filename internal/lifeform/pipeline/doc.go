// Package pipeline runs the detection chain against a live thermal source.
//
// An Orchestrator owns two goroutines. The reader pulls frames from a
// FrameSource into a single-slot raw cache. The processor polls that cache,
// runs detect → optical → fuse → track → alert on every detect_interval-th
// new frame, annotates every frame, and publishes the JPEG into a second
// single-slot cache that any number of HTTP handlers may read.
//
// The package owns no detection logic; it delegates to the thermal, optical,
// fusion, tracking and alerts packages.
package pipeline
