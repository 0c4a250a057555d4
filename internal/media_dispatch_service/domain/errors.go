package domain

import "errors"

var (
	// ErrNoQueuedMessages indicates that nothing is claimable right now; the worker idles.
	ErrNoQueuedMessages = errors.New("no queued messages")
	// ErrClaimConflict indicates a lost compare-and-swap on the message status.
	// It is not a failure: the claimant simply moves on to the next candidate.
	ErrClaimConflict = errors.New("message already claimed")
	// ErrClaimLost indicates that a claimed message left processing, or was claimed
	// again, before its worker recorded the outcome. The worker's result is dropped.
	ErrClaimLost = errors.New("message claim lost")
	// ErrAttachmentNotFound marks a message that can never be sent.
	ErrAttachmentNotFound = errors.New("media attachment not found")
	// ErrMessageNotFound indicates that a message id does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrPermanentSend is wrapped by senders for provider rejections that a retry cannot fix.
	ErrPermanentSend = errors.New("permanent send failure")
)
