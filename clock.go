package tern

import "time"

// nowFunc is indirected so tests can pin time without sleeping or mocking
// every call site individually.
var nowFunc = time.Now
