package storage

import "renderflow/internal/ports"

// Provider is the artifact-store contract shared by the API and the
// orchestrator. Alias to ports.ArtifactStore to keep call-sites simple.
type Provider = ports.ArtifactStore
