package manifest

type SystemInfo struct {
	Hostname string `yaml:"hostname"`
	OS       string `yaml:"os"`
	Platform string `yaml:"platform"`
	Kernel   string `yaml:"kernel"`
}

type Artifact struct {
	Path       string `yaml:"path"`
	Kind       string `yaml:"kind"`
	Size       int64  `yaml:"size"`
	Blake3Hash string `yaml:"blake3_hash"`
	RemotePath string `yaml:"remote_path,omitempty"`
}

type File struct {
	Path     string `yaml:"path"`
	DestPath string `yaml:"dest_path"`
	Size     int64  `yaml:"size"`
	ModTime  int64  `yaml:"mod_time"`
	Copied   bool   `yaml:"copied"`
}

// Run describes one finished backup run. It is written next to the backed
// up data so a restore does not depend on the database.
type Run struct {
	HistoryID string     `yaml:"history_id"`
	TaskID    string     `yaml:"task_id"`
	TaskName  string     `yaml:"task_name"`
	Mode      string     `yaml:"mode"`
	Status    string     `yaml:"status"`
	StartTime int64      `yaml:"start_time"`
	EndTime   int64      `yaml:"end_time"`
	System    SystemInfo `yaml:"system"`
	Source    string     `yaml:"source"`
	Success   int        `yaml:"success"`
	Failed    int        `yaml:"failed"`
	Skipped   int        `yaml:"skipped"`
	TotalSize int64      `yaml:"total_size"`
	Encrypted bool       `yaml:"encrypted"`
	Artifacts []Artifact `yaml:"artifacts,omitempty"`
	Files     []File     `yaml:"files"`
}
