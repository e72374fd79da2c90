package asyncfile

// noCopy is embedded in types that must not be copied after first
// use. go vet's copylocks check reports copies of values that
// contain it.
type noCopy struct{}

// Lock is a no-op used by go vet.
func (*noCopy) Lock() {}

// Unlock is a no-op used by go vet.
func (*noCopy) Unlock() {}
