// Package ctrlmsg defines the link-layer data unit and the control messages
// exchanged between the gateway and user terminals: the control tag carried
// alongside a data unit, the capacity request (CR) and the terminal burst time
// plan (TBTP) together with its bounded retention history.
//
// All wire encodings are little-endian. Every message type exposes
// SerializedSize, MarshalBinary and UnmarshalBinary, and the number of bytes
// written always equals SerializedSize.
package ctrlmsg
