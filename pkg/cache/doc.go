// Package cache remembers what the hub learned about peripherals across restarts.
//
// Much of what identifies a device is only available after a connection: the Device Information
// strings of a BLE sensor, or the manufacturer page an ANT sensor broadcasts every few seconds.
// A [DeviceCache] keeps that knowledge keyed by device id so that the next scan can label a
// device correctly from its first advertisement.
//
// The cache never overrides what the device itself advertises; it only fills fields that are
// still empty. Entries are evicted oldest-seen first once MaxEntries is exceeded.
package cache
