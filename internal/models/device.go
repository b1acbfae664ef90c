// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package models

// LocalDeviceID is the wire-format identifier of the node the server itself
// runs on. Persisted plans and events still carry this string; code selects
// behavior through DeviceRef instead of comparing against it.
const LocalDeviceID = "main"

// DeviceRef identifies the device an operation targets: either the local
// node or a remote agent addressed by id. The zero value is the local node.
type DeviceRef struct {
	id string
}

// LocalDevice returns the reference for the local node.
func LocalDevice() DeviceRef {
	return DeviceRef{}
}

// RemoteDevice returns a reference for the remote agent with the given id.
// Passing LocalDeviceID yields the local reference.
func RemoteDevice(id string) DeviceRef {
	if id == LocalDeviceID || id == "" {
		return DeviceRef{}
	}
	return DeviceRef{id: id}
}

// ParseDeviceID converts a wire-format device id into a DeviceRef.
func ParseDeviceID(id string) DeviceRef {
	return RemoteDevice(id)
}

// IsLocal reports whether the reference targets the local node.
func (d DeviceRef) IsLocal() bool {
	return d.id == ""
}

// ID returns the wire-format device id.
func (d DeviceRef) ID() string {
	if d.id == "" {
		return LocalDeviceID
	}
	return d.id
}

func (d DeviceRef) String() string {
	return d.ID()
}
