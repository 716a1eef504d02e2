// Package wire defines the messages exchanged between ring neighbors and the
// codecs that turn them into frames. Each frame is one message encoded in the
// protobuf wire format, optionally wrapped in LZ4 or DEFLATE compression.
package wire
