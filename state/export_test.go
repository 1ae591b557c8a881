package state

// Test doubles shared with the external test package.
type FakeDynamo = fakeDynamo

var (
	NewFakeDynamo = newFakeDynamo
	StreamRecord  = streamRecord
)
