// Package video moves compressed video frames across an unreliable,
// unordered datagram transport.
//
// A sender serializes an EncodedFrame into its envelope and splits it into
// size bounded fragments:
//
//	frags, err := video.Split(frame.Marshal(), frame.ID, senderID, video.DefaultMaxPayload)
//
// A receiver keeps one Reassembler per sender. Fragments go in through Add;
// completed frames come out through Next, which enforces the ordering policy:
// nothing is delivered before the first key frame, late frames are dropped,
// and after a gap delivery continues best effort while the reassembler waits
// for the next key frame. WaitsForType tells the caller when to ask the
// sender for a key frame with a recovery datagram.
//
// Compression is delegated to Encoder and Decoder implementations that run on
// EncodingWorker and DecodingWorker goroutines. Worker queues are bounded and
// drop the oldest item when full.
package video
