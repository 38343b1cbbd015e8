package constants

// Renku labels read from watched resources.
const (
	// LabelSafeUsername carries the owning user's id on session and build resources.
	// Format: "renku.io/safe-username"
	LabelSafeUsername = "renku.io/safe-username"

	// LabelManagedBy marks resources created by Renku services.
	LabelManagedBy = "app.kubernetes.io/managed-by"
)

// AmaltheaSession GVK, the main watched session resource.
const (
	AmaltheaSessionGroup   = "amalthea.dev"
	AmaltheaSessionVersion = "v1alpha1"
	AmaltheaSessionKind    = "AmaltheaSession"
)

// Image build resources. TaskRuns are created by Shipwright and cannot carry
// the user label, so they rely on the default owner policy.
const (
	BuildRunAPIVersion = "shipwright.io/v1beta1"
	BuildRunKind       = "BuildRun"
	TaskRunAPIVersion  = "tekton.dev/v1"
	TaskRunKind        = "TaskRun"
)

// DefaultOwnerID is assigned to objects without an owner label when the
// configuration does not name another default owner.
const DefaultOwnerID = "renku-system"

// CloudEvents emitted for cache changes.
const (
	EventSourcePrefix = "renku-k8s-cache"
	EventTypePrefix   = "io.renku.k8s"
)
