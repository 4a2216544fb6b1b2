// Package source provides thermal FrameSources: a UDP listener for the raw
// frame forwarder, pcap replay of captured forwarder traffic, a framed serial
// link, video files, and a synthetic generator. Preprocessor wraps any of
// them with the contrast and upscale chain used for low-resolution sensors.
package source
