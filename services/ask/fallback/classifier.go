// Copyright (C) 2025 Kettle Glass (oss@kettleglass.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fallback decides whether a provider error means "this provider
// rejected the image part" and is therefore worth exactly one text-only
// retry.
package fallback

import "strings"

// Classifier classifies provider errors for the multimodal fallback. It is
// an interface so the substring heuristic can later be swapped for
// structured provider error codes without touching the orchestrator.
type Classifier interface {
	// IsMultimodalRejection reports whether err looks like the provider
	// rejecting image content. A nil err is never a rejection.
	IsMultimodalRejection(err error) bool
}

// multimodalVocabulary is matched case-insensitively against the error
// message. The list is deliberately permissive: a false positive costs one
// harmless extra retry, a false negative costs a user-visible failure that
// a retry could have recovered. Do not tighten without data.
var multimodalVocabulary = []string{
	"vision",
	"image",
	"multimodal",
	"unsupported",
	"image_url",
	"400",
	"invalid",
	"not supported",
}

// SubstringClassifier implements Classifier by substring matching.
type SubstringClassifier struct{}

var _ Classifier = SubstringClassifier{}

// NewSubstringClassifier returns the default classifier.
func NewSubstringClassifier() SubstringClassifier {
	return SubstringClassifier{}
}

// IsMultimodalRejection implements Classifier.
func (SubstringClassifier) IsMultimodalRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range multimodalVocabulary {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
