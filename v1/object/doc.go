// Package object provides the identity shared by every synchronization
// primitive: an opaque handle, the named/unnamed tag that decides between
// close and delete on teardown, and the namespace that resolves names.
//
// Names beginning with "/" are public. A namespace configured with a
// Directory claims public names there too, so two images sharing a Redis
// directory cannot create the same public object.
package object
