package topic

import (
	"fmt"
)

// Topic segments shared by the fwupdate daemon and mpeerctl.
const (
	// SuffixProgress carries update progress reports.
	// Structure: {root}/progress/{serial}
	SuffixProgress = "progress"

	// SuffixState carries the retained last-known update state.
	// Structure: {root}/state/{serial}
	SuffixState = "state"

	// wildcard matches exactly one topic level.
	wildcard = "+"
)

// TopicBuilder builds topic strings under one root namespace.
type TopicBuilder struct {
	root string
}

// NewTopicBuilder roots every topic at root, e.g. "modempeer/v1".
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// Progress returns the topic a module's progress reports are published on.
func (b *TopicBuilder) Progress(serial string) string {
	return b.build(SuffixProgress, serial)
}

// ProgressWildcard matches the progress reports of every module.
func (b *TopicBuilder) ProgressWildcard() string {
	return b.build(SuffixProgress, wildcard)
}

// State returns the retained state topic of a module.
func (b *TopicBuilder) State(serial string) string {
	return b.build(SuffixState, serial)
}

// build joins {root}/{suffix}/{id}. Modules without a serial report under
// "unknown".
func (b *TopicBuilder) build(suffix, id string) string {
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s", b.root, suffix, id)
}
