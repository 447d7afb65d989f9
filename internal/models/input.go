package models

// Input is one uploaded input file version.
type Input struct {
	ID        string `json:"id" yaml:"id" validate:"required"`
	FileName  string `json:"file_name" yaml:"file_name" validate:"required"`
	Username  string `json:"username" yaml:"username"`
	Size      int64  `json:"size" yaml:"size" validate:"gte=0"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}

// Insight is a user-authored note that feeds the next forecast run.
type Insight struct {
	ID        int64  `json:"id" yaml:"id" validate:"required"`
	Message   string `json:"message" yaml:"message"`
	Username  string `json:"username" yaml:"username"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
}
