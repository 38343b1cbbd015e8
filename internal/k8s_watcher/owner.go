package k8s_watcher

import (
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/k8s_cache"
	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/constants"
)

// OwnerPolicy attributes cached objects to users. Objects without a value
// for Label belong to DefaultOwner; image build TaskRuns are the usual case.
type OwnerPolicy struct {
	Label        string
	DefaultOwner string
}

// DefaultOwnerPolicy reads the safe-username label.
func DefaultOwnerPolicy() OwnerPolicy {
	return OwnerPolicy{Label: constants.LabelSafeUsername, DefaultOwner: constants.DefaultOwnerID}
}

// UserID returns the owner of m.
func (p OwnerPolicy) UserID(m k8s_cache.Manifest) string {
	if p.Label != "" {
		if user := m.Labels()[p.Label]; user != "" {
			return user
		}
	}
	if p.DefaultOwner != "" {
		return p.DefaultOwner
	}
	return constants.DefaultOwnerID
}
