package usecase

import "strings"

// classificationRule maps matcher failure phrases to a kind. Rules are
// checked in order and the first match wins, so explicit spoof wording must
// stay ahead of the per-image exception phrases.
type classificationRule struct {
	phrases []string
	kind    Kind
	image   string
	message string
}

// The reference image is sent as img1 and the live capture as img2.
var classificationRules = []classificationRule{
	{phrases: []string{"spoofed image", "fake face"}, kind: KindSpoofingDetected},
	{
		phrases: []string{"exception while processing img1_path"},
		kind:    KindAmbiguousProcessingError,
		image:   ImageReference,
		message: "There is an issue with the stored reference image.",
	},
	{
		phrases: []string{"exception while processing img2_path"},
		kind:    KindAmbiguousProcessingError,
		image:   ImageUploaded,
		message: "The uploaded image could not be processed. Please capture a new photo.",
	},
	{phrases: []string{"face could not be detected"}, kind: KindNoFaceDetected},
	{phrases: []string{"more than one face"}, kind: KindMultipleFacesDetected},
}

// classifyMatcherFailure turns free-form matcher error text into a
// ClassifiedError. Unrecognised text becomes KindVerificationFailed.
func classifyMatcherFailure(text string, cause error) *ClassifiedError {
	lower := strings.ToLower(text)
	for _, rule := range classificationRules {
		for _, phrase := range rule.phrases {
			if !strings.Contains(lower, phrase) {
				continue
			}
			var images []string
			if rule.image != "" {
				images = []string{rule.image}
			}
			classified := newClassifiedError(rule.kind, text, cause, images...)
			if rule.message != "" {
				classified.Message = rule.message
			}
			return classified
		}
	}
	return newClassifiedError(KindVerificationFailed, text, cause)
}
