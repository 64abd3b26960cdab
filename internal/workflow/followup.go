package workflow

// ClassifyFollowUp decides whether a turn continues an existing incident,
// based on the prior conversation snapshot (decoded as raw JSON so legacy
// field names survive schema drift). The precedence chain is deliberate:
// an explicit issue key wins, then the key embedded in a previously stored
// ticket object (legacy "issue_key" before current "key"), and with no key
// at all the turn is a follow-up iff a prior incident exists.
func ClassifyFollowUp(prior map[string]any) (isFollowup bool, issueKey string) {
	if prior == nil {
		return false, ""
	}

	key := stringField(prior, "jira_issue_key")
	if key == "" {
		if ticket, ok := prior["ticket"].(map[string]any); ok {
			key = stringField(ticket, "issue_key")
			if key == "" {
				key = stringField(ticket, "key")
			}
		}
	}
	if key != "" {
		return true, key
	}

	if inc, ok := prior["incident"]; ok && inc != nil {
		return true, ""
	}
	return false, ""
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
