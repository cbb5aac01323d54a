// Package types holds the FlatBuffers wire tables.
package types

//go:generate flatc --go --go-namespace types -o .. ../../schema/envelope.fbs
