// Package protocol defines the file-based data passing between tasks.
//
// A producer writes output.<task>.json, a flat JSON object, as the last step
// of its script. Before a consumer starts, the scheduler links
// input.<producer>.json in the consumer's directory to that file. Consumers
// address values as "<producer>.<key>"; nested values stay opaque.
package protocol

import (
	"errors"
	"strings"
)

const (
	inputPrefix  = "input."
	outputPrefix = "output."
	fileSuffix   = ".json"

	// TempPrefix starts the name of every in-flight output file. Such files
	// are never matched by the input or output patterns.
	TempPrefix = "."
)

var ErrOutputSerialization = errors.New("output serialization failure")

// Output is the content of one output file.
type Output map[string]any

// Inputs maps "<dependency>.<key>" to the producer's value.
type Inputs map[string]any

// InputLoadWarning describes a dependency file that could not be read. It
// is not fatal: the dependency's keys are simply absent.
type InputLoadWarning struct {
	Dependency string
	Path       string
	Err        error
}

func (w InputLoadWarning) Error() string {
	return "input for dependency " + w.Dependency + " not loaded: " + w.Err.Error()
}

func (w InputLoadWarning) Unwrap() error { return w.Err }

// OutputFileName returns the name of the file task writes.
func OutputFileName(task string) string {
	return outputPrefix + task + fileSuffix
}

// InputFileName returns the name of the link exposing dep's output.
func InputFileName(dep string) string {
	return inputPrefix + dep + fileSuffix
}

// Address returns the key under which a consumer sees dep's key.
func Address(dep, key string) string {
	return dep + "." + key
}

// dependencyFromInput extracts the dependency name from an input file name.
func dependencyFromInput(name string) (string, bool) {
	if !strings.HasPrefix(name, inputPrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	dep := strings.TrimSuffix(strings.TrimPrefix(name, inputPrefix), fileSuffix)
	if dep == "" {
		return "", false
	}
	return dep, true
}
