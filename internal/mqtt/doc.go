// Package mqtt connects the assistant to an MQTT broker. It announces
// itself to Home Assistant through MQTT discovery, mirrors voice, mode
// and usage state as retained sensor values, and listens on a wake
// topic so an external satellite can wake the voice lifecycle.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the bridge republishes discovery payloads, a birth
// message and the last known entity states, then re-subscribes to the
// wake topic. A will message flips availability to "offline" when the
// process dies without a clean disconnect.
package mqtt
