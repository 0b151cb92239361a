package usecase

import (
	"fmt"
	"net/http"
)

// Kind is the stable short code of a classified failure.
type Kind string

const (
	KindInvalidImageData         Kind = "invalid_image_data"
	KindReferenceUnavailable     Kind = "reference_unavailable"
	KindSpoofingDetected         Kind = "spoofing_detected"
	KindAmbiguousProcessingError Kind = "ambiguous_processing_error"
	KindNoFaceDetected           Kind = "no_face_detected"
	KindMultipleFacesDetected    Kind = "multiple_faces_detected"
	KindVerificationFailed       Kind = "verification_failed"
	KindInternalError            Kind = "internal_error"
)

// Image names used in ClassifiedError.Images.
const (
	ImageUploaded  = "uploaded_image"
	ImageReference = "reference_image"
)

// AllKinds lists every kind in taxonomy order.
var AllKinds = []Kind{
	KindInvalidImageData,
	KindReferenceUnavailable,
	KindSpoofingDetected,
	KindAmbiguousProcessingError,
	KindNoFaceDetected,
	KindMultipleFacesDetected,
	KindVerificationFailed,
	KindInternalError,
}

// Status is the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindReferenceUnavailable:
		return http.StatusNotFound
	case KindInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (k Kind) defaultMessage() string {
	switch k {
	case KindInvalidImageData:
		return "The provided image could not be read. Please upload a valid image."
	case KindReferenceUnavailable:
		return "The reference image for this voter could not be retrieved."
	case KindSpoofingDetected:
		return "Please use a real face image, not a photo of a display or printed image."
	case KindAmbiguousProcessingError:
		return "One of the images could not be processed."
	case KindNoFaceDetected:
		return "No face detected in one or both images. Please provide a clear image with a visible face."
	case KindMultipleFacesDetected:
		return "Multiple faces detected in the image. Please provide an image with only one face."
	case KindVerificationFailed:
		return "Face verification process failed."
	default:
		return "An unexpected error occurred during verification."
	}
}

// ClassifiedError is the only failure type returned by the workflow. Details
// carries raw diagnostic text; Message is safe to show to end users.
type ClassifiedError struct {
	Kind      Kind
	Message   string
	Details   string
	Images    []string
	RequestID string

	cause error
}

func newClassifiedError(kind Kind, details string, cause error, images ...string) *ClassifiedError {
	return &ClassifiedError{
		Kind:    kind,
		Message: kind.defaultMessage(),
		Details: details,
		Images:  images,
		cause:   cause,
	}
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

func (e *ClassifiedError) Unwrap() error { return e.cause }

// Status is the HTTP status for the error.
func (e *ClassifiedError) Status() int { return e.Kind.Status() }
