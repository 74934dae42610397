// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompts

import "strings"

// =============================================================================
// TOPICS
// =============================================================================

// Topic selects an emphasis for the coaching system prompt.
type Topic string

const (
	TopicGeneral    Topic = "general"
	TopicStress     Topic = "stress"
	TopicSleep      Topic = "sleep"
	TopicFocus      Topic = "focus"
	TopicGratitude  Topic = "gratitude"
	TopicBreathing  Topic = "breathing"
)

// basePrompt is the always-present coaching instruction.
const basePrompt = `You are a warm, grounded mindfulness coach. Keep replies short and conversational. Offer one practical suggestion at a time, invite reflection rather than lecture, and never give medical advice. If someone describes a crisis, gently encourage them to reach out to a professional or a local helpline.`

// topicEmphasis maps a topic to an extra instruction appended to the
// base prompt.
var topicEmphasis = map[Topic]string{
	TopicStress:    "The user wants help with stress. Favor short grounding techniques they can do right now.",
	TopicSleep:     "The user wants help winding down for sleep. Favor calm, slow-paced suggestions and avoid stimulating exercises.",
	TopicFocus:     "The user wants help with focus. Favor brief attention-anchoring practices.",
	TopicGratitude: "The user is exploring gratitude. Favor small reflective prompts over instructions.",
	TopicBreathing: "The user wants breathing exercises. Walk through one technique step by step, at most one per reply.",
}

// SystemPrompt builds the system prompt for a topic, with an optional
// user-context line appended (e.g. a name or stated goal).
func SystemPrompt(topic Topic, userContext string) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	if emphasis, ok := topicEmphasis[topic]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(emphasis)
	}
	if userContext != "" {
		sb.WriteString("\n\nContext about this user: ")
		sb.WriteString(userContext)
	}
	return sb.String()
}

// =============================================================================
// QUICK ACTIONS
// =============================================================================

// QuickAction tags a canned user intent surfaced as a one-tap button.
type QuickAction string

const (
	ActionBreathingExercise QuickAction = "breathing_exercise"
	ActionBodyScan          QuickAction = "body_scan"
	ActionStressCheckIn     QuickAction = "stress_check_in"
	ActionGratitudeMoment   QuickAction = "gratitude_moment"
	ActionSleepWindDown     QuickAction = "sleep_wind_down"
)

var quickActionPrompts = map[QuickAction]string{
	ActionBreathingExercise: "Guide me through a short breathing exercise.",
	ActionBodyScan:          "Lead me through a brief body scan.",
	ActionStressCheckIn:     "I'm feeling stressed. Can you help me check in with myself?",
	ActionGratitudeMoment:   "Help me take a moment to notice something I'm grateful for.",
	ActionSleepWindDown:     "Help me wind down before sleep.",
}

// QuickActionPrompt resolves an action tag to its canned user prompt.
// The second return is false for an unknown tag.
func QuickActionPrompt(action QuickAction) (string, bool) {
	p, ok := quickActionPrompts[action]
	return p, ok
}

// QuickActions lists the known action tags.
func QuickActions() []QuickAction {
	return []QuickAction{
		ActionBreathingExercise,
		ActionBodyScan,
		ActionStressCheckIn,
		ActionGratitudeMoment,
		ActionSleepWindDown,
	}
}
