package types

// Checkpoint is a content-addressed snapshot of the tracked working-tree
// state, independent of git history. Ghost checkpoints are unnamed snapshots
// taken automatically before risky mutations; /undo restores the most recent
// ghost. Named checkpoints are explicit and restored by name.
type Checkpoint struct {
	Name      string `json:"name"`
	Ghost     bool   `json:"ghost"`
	CreatedAt int64  `json:"createdAt"`
	Files     int    `json:"files"`
}

// FileDiff is the change for one path between a checkpoint and the current
// tree.
type FileDiff struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
