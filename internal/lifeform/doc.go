// Package lifeform holds the shared vocabulary of the detection core: boxes,
// hotspots, validation tags, alert payloads and detection events.
//
// Stage packages live underneath it and are composed by pipeline/:
//
//	thermal/   adaptive-threshold hotspot detection on grayscale frames
//	optical/   Haar cascade person detection on colour frames
//	fusion/    cross-resolution IoU matching of thermal and optical boxes
//	tracking/  centroid tracker with pluggable association
//	alerts/    persistence and cooldown gating of alerts
//	pipeline/  reader and processor goroutines, annotation, encoded frames
//	source/    frame sources (UDP, pcap replay, serial, video, synthetic)
//	sink/      asynchronous alert fan-out (Kafka, MQTT, JSON lines)
//
// None of the stage packages import pipeline/.
package lifeform
