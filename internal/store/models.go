package store

// Stage status values shared by every pipeline stage column.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Pipeline stage names, used to select the status column to update.
const (
	StageDiscovery = "discovery"
	StageDownload  = "download"
	StageParse     = "parse"
	StageStorage   = "storage"
)

// Article tracks one article through every pipeline stage.
type Article struct {
	ArticleID   string `gorm:"primaryKey" json:"article_id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	MPName      string `json:"mp_name"`
	MPID        string `gorm:"index" json:"mp_id"`
	PublishTime int64  `json:"publish_time"`

	DiscoveryStatus string `gorm:"index;default:pending" json:"discovery_status"`
	DownloadStatus  string `gorm:"index;default:pending" json:"download_status"`
	ParseStatus     string `gorm:"index;default:pending" json:"parse_status"`
	StorageStatus   string `gorm:"index;default:pending" json:"storage_status"`

	HTMLFilePath     string `json:"html_file_path"`
	ContentFilePath  string `json:"content_file_path"`
	MetadataFilePath string `json:"metadata_file_path"`
	ImagesDirPath    string `json:"images_dir_path"`

	ContentLength int `json:"content_length"`
	WordCount     int `json:"word_count"`
	ImageCount    int `gorm:"default:0" json:"image_count"`

	ErrorMessage string `json:"error_message"`
	// ErrorDetails holds structured per-stage metadata as a JSON object
	// keyed by section name.
	ErrorDetails string `json:"error_details"`
	RetryCount   int    `gorm:"default:0" json:"retry_count"`
	LastRetryAt  string `json:"last_retry_at"`

	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	DiscoveredAt string `json:"discovered_at"`
	DownloadedAt string `json:"downloaded_at"`
	ParsedAt     string `json:"parsed_at"`
	StoredAt     string `json:"stored_at"`
}

// TableName specifies the table name for Article
func (Article) TableName() string {
	return "articles_status"
}

// DailyStat aggregates per-day pipeline throughput for analytics.
type DailyStat struct {
	Date                string `gorm:"primaryKey"` // Format: "YYYY-MM-DD"
	ArticlesDiscovered  int64  `gorm:"default:0"`
	ArticlesDownloaded  int64  `gorm:"default:0"`
	ArticlesParsed      int64  `gorm:"default:0"`
	ArticlesStored      int64  `gorm:"default:0"`
	ArticlesFailed      int64  `gorm:"default:0"`
	DuplicatesSuppressed int64 `gorm:"default:0"`
}

// TableName specifies the table name for DailyStat
func (DailyStat) TableName() string {
	return "processing_stats"
}

// Publisher tracks the source accounts articles arrive from.
type Publisher struct {
	MPID          string `gorm:"primaryKey" json:"mp_id"`
	MPName        string `json:"mp_name"`
	ArticlesCount int64  `gorm:"default:0" json:"articles_count"`
	LastArticleAt string `json:"last_article_at"`
	CreatedAt     string `json:"created_at"`
}

// TableName specifies the table name for Publisher
func (Publisher) TableName() string {
	return "mp_accounts"
}
