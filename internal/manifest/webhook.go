package manifest

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// PushResult reports what a push notification caused.
type PushResult struct {
	Regenerated bool   `json:"regenerated"`
	Skipped     string `json:"skipped,omitempty"`
	FileCount   int    `json:"fileCount,omitempty"`
}

// HandlePush regenerates the manifest when a GitHub push event targets the
// configured branch and touches a JSON file other than the manifest. Pushes
// made by the manifest commit itself are skipped.
func (s *Synchronizer) HandlePush(ctx context.Context, payload []byte) (*PushResult, error) {
	if !gjson.ValidBytes(payload) {
		return nil, svcerrors.Validation("payload is not valid JSON")
	}

	ref := gjson.GetBytes(payload, "ref").String()
	if ref == "" {
		// ping and other non-push deliveries
		return &PushResult{Skipped: "not a push event"}, nil
	}
	if ref != "refs/heads/"+s.opts.Branch {
		return &PushResult{Skipped: "branch " + strings.TrimPrefix(ref, "refs/heads/") + " is not tracked"}, nil
	}

	if !s.touchesContent(payload) {
		return &PushResult{Skipped: "no content files changed"}, nil
	}

	m, err := s.Regenerate(ctx, TriggerWebhook)
	if err != nil {
		return nil, err
	}
	return &PushResult{Regenerated: true, FileCount: m.FileCount}, nil
}

func (s *Synchronizer) touchesContent(payload []byte) bool {
	touched := false
	visit := func(_, path gjson.Result) bool {
		p := path.String()
		if strings.HasSuffix(p, ".json") && p != s.opts.ManifestPath {
			touched = true
		}
		return !touched
	}

	commits := gjson.GetBytes(payload, "commits").Array()
	if head := gjson.GetBytes(payload, "head_commit"); head.IsObject() {
		commits = append(commits, head)
	}
	for _, commit := range commits {
		for _, key := range []string{"added", "modified", "removed"} {
			commit.Get(key).ForEach(visit)
			if touched {
				return true
			}
		}
	}
	return false
}
