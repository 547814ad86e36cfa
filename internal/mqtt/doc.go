// Package mqtt publishes parley's status to an MQTT broker as Home
// Assistant discovery sensors and accepts owner notifications on a
// command topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery configs for each sensor,
// a birth message ("online") to the availability topic, and subscribes
// to the notify topic. A will message moves the availability topic to
// "offline" on unexpected disconnects.
package mqtt
