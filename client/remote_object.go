package client

// RemoteObject stands in for an object that lives on the native side. It carries
// nothing but the object's name; every member is resolved remotely, so a missing
// method is only detected by the host.
type RemoteObject struct {
	name   string
	bridge *Bridge
}

func (o *RemoteObject) Name() string {
	return o.name
}

// Method returns the proxy for a member, the equivalent of reading obj.member.
func (o *RemoteObject) Method(name string) Method {
	return o.bridge.Generate(o.name, name)
}

// Call is shorthand for o.Method(name)(args...).
func (o *RemoteObject) Call(name string, args ...any) {
	o.Method(name)(args...)
}

// Set is the equivalent of obj.property = value: a single-argument call named after
// the property. The result goes to the default diagnostic callback.
func (o *RemoteObject) Set(property string, value any) {
	o.Method(property)(value)
}

// Invoke calls a member and returns its outcome as a Future.
func (o *RemoteObject) Invoke(name string, args ...any) *Future {
	return o.bridge.Invoke(o.name, name, args...)
}
