// Package receiver validates frames arriving on the host endpoint and turns
// them into dispatcher commands.
//
// Receiver.HandleText accepts "update" and "delete" frames; anything else a
// host sends is rejected with ErrRejected (the session reports it back as an
// "error" frame and stays connected). Receiver.HandleBinary accepts addressed
// binary frames: the first wire.HashLen bytes name the viewer, the remainder
// is delivered to it verbatim.
//
// Authentication is enforced upstream by the HTTP middleware (see package
// auth), so the receiver only performs structural validation.
package receiver
