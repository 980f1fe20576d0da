// Package limits provides centralized size constants and validation functions
// shared by the control plane (COR frames) and the media plane (video datagrams).
//
// # Size Hierarchy
//
//   - MaxCORBody (16 MiB): the largest body a COR header may announce. Larger
//     announcements are rejected by the parser with a "frame too large" error.
//
//   - MaxVideoFrame (2 MB): the largest encoded frame the splitter accepts.
//
//   - MaxDatagram (2048 bytes): the UDP receive buffer. MaxFragmentPayload is
//     derived from it so every fragment fits one receive.
//
//   - MaxAuthToken (512 bytes): the largest token carried by an auth datagram.
//
// # Validation Functions
//
//	if err := limits.ValidateVideoFrame(frame); err != nil {
//	    if errors.Is(err, limits.ErrMessageTooLarge) {
//	        // drop it
//	    }
//	}
package limits
