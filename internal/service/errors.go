package service

import "errors"

// Submission and immediate-path errors. All of these surface before any row
// or directory is created, so rejections leave zero trace.
var (
	// ErrUnsupportedFileType means the extension or sniffed MIME type is not
	// in the allowed set.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrUnsupportedLanguage means the language code is missing or not in the
	// allowed set.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrMissingField means a required submission field is empty.
	ErrMissingField = errors.New("file, model, template and language are required")

	// ErrPayloadTooLarge means the upload exceeds the configured size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrQueueFull means the pending count reached the maximum queue length.
	ErrQueueFull = errors.New("queue is full")

	// ErrInsufficientStorage means free space on the data volume fell below
	// the configured floor.
	ErrInsufficientStorage = errors.New("insufficient storage")

	// ErrImmediateCapacity means the immediate gate is saturated and fallback
	// to the queue is disabled.
	ErrImmediateCapacity = errors.New("immediate capacity exhausted")

	// ErrImmediateDisabled means mode=immediate was requested but the
	// immediate path is turned off.
	ErrImmediateDisabled = errors.New("immediate execution is disabled")
)
