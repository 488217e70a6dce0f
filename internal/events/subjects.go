// Package events defines the Hub's event subjects and the persist-then-publish
// event service built on top of the bus.
package events

import "fmt"

// Subject prefixes and fixed subjects.
const (
	// SubjectAll matches every subject on the bus.
	SubjectAll = ">"

	// SubjectSubscriberLag is emitted when a slow subscriber drops events.
	SubjectSubscriberLag = "subscriber.lag"
)

// SubjectPresence returns the presence heartbeat subject for a hub.
func SubjectPresence(hubSlug string) string {
	return fmt.Sprintf("hub.presence.%s", hubSlug)
}

// SubjectFederationOffline returns the subject announcing a peer hub has
// gone stale.
func SubjectFederationOffline(hubSlug string) string {
	return fmt.Sprintf("federation.%s.offline", hubSlug)
}

// SubjectProject returns a project lifecycle subject, e.g.
// hub.core.project.started. Phase is one of starting, started, stopping,
// stopped, failed.
func SubjectProject(hubSlug, phase string) string {
	return fmt.Sprintf("hub.%s.project.%s", hubSlug, phase)
}

// SubjectWorkflowRun returns a workflow run state subject, e.g.
// hub.core.workflow.<runID>.completed.
func SubjectWorkflowRun(hubSlug, runID, state string) string {
	return fmt.Sprintf("hub.%s.workflow.%s.%s", hubSlug, runID, state)
}

// SubjectWorkflowNode returns a node run state subject, e.g.
// hub.core.workflow.<runID>.<nodeID>.running.
func SubjectWorkflowNode(hubSlug, runID, nodeID, state string) string {
	return fmt.Sprintf("hub.%s.workflow.%s.%s.%s", hubSlug, runID, nodeID, state)
}

// SubjectApproval returns an approval subject. Phase is "requested" or
// "decided".
func SubjectApproval(hubSlug, phase string) string {
	return fmt.Sprintf("hub.%s.approval.%s", hubSlug, phase)
}

// SubjectWebhook returns the subject under which inbound webhook payloads
// are republished, e.g. hub.core.webhook.alertmanager.
func SubjectWebhook(hubSlug, source string) string {
	return fmt.Sprintf("hub.%s.webhook.%s", hubSlug, source)
}
