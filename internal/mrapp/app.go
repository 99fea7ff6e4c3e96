// Package mrapp defines the plugin contract a MapReduce application must
// satisfy: a Map and a Reduce callable (spec §6 "Plugin contract"). How an
// Application reaches a worker process (linked in, loaded from a shared
// object, compiled per job) is a deployment concern outside the core; this
// package just carries the interface and a small built-in registry that
// stands in for the out-of-scope dynamic loader.
package mrapp

// KeyValue is a single map-emitted pair.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MapFunc takes the input filename and its full contents and returns the
// key/value pairs it emits. Errors are returned via panic/recover at the
// call site (spec: "Errors raised by these callables cause the task to
// fail with the stringified error as error_message"); a well-behaved
// MapFunc simply returns normally for all inputs it can handle.
type MapFunc func(filename, contents string) []KeyValue

// ReduceFunc takes a key and every value recorded for it and returns the
// reduced value.
type ReduceFunc func(key string, values []string) string

// Application pairs a Map and a Reduce callable under a name, the unit the
// worker binary selects by.
type Application struct {
	Name   string
	Map    MapFunc
	Reduce ReduceFunc
}

// registry is the built-in stand-in for plugin discovery: compiled-in
// applications selectable by name.
var registry = map[string]Application{}

// Register adds an Application to the built-in registry. Intended to be
// called from init() in an application's package.
func Register(app Application) {
	registry[app.Name] = app
}

// Lookup finds a registered Application by name.
func Lookup(name string) (Application, bool) {
	app, ok := registry[name]
	return app, ok
}

// Names lists every registered application name.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
