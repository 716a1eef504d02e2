// Package transport moves encoded messages between ring neighbors over TCP.
//
// A Sender owns a queue of frames bound for one downstream peer and a single
// worker that writes them in order, one frame per connection, retrying on
// failure. A Receiver owns a listener and a single worker that accepts
// connections one at a time, decodes the frame and appends it to a FIFO that
// consumers Poll. Together they give per-link FIFO delivery.
package transport
