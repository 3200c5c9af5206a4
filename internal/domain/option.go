package domain

// Resolution selectors accepted wherever a target resolution is requested
const (
	ResolutionHighest = 0
	ResolutionLowest  = -1
)

// DownloadOption is one quality variant of an episode, pointing at an embed page
type DownloadOption struct {
	EmbedURL   string `json:"embed_url" binding:"required"`
	Resolution int    `json:"resolution"`
	Audio      string `json:"audio,omitempty"`
	Quality    string `json:"quality,omitempty"`
	Size       string `json:"size,omitempty"`
}

// Episode is one entry of a title's release list
type Episode struct {
	ID        int64   `json:"id"`
	Number    float64 `json:"episode"`
	Title     string  `json:"title,omitempty"`
	Session   string  `json:"session"`
	Duration  string  `json:"duration,omitempty"`
	Snapshot  string  `json:"snapshot,omitempty"`
	Filler    bool    `json:"filler"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// EpisodePage is one page of a title's release list
type EpisodePage struct {
	Episodes []Episode `json:"episodes"`
	Page     int       `json:"page"`
	LastPage int       `json:"last_page"`
	Total    int       `json:"total"`
}

// SelectOption picks the option matching target. ResolutionHighest and
// ResolutionLowest select the extremes; any other value selects an exact
// match and falls back to the highest resolution available.
func SelectOption(options []DownloadOption, target int) (DownloadOption, bool) {
	if len(options) == 0 {
		return DownloadOption{}, false
	}

	highest, lowest := options[0], options[0]
	for _, opt := range options[1:] {
		if opt.Resolution > highest.Resolution {
			highest = opt
		}
		if opt.Resolution < lowest.Resolution {
			lowest = opt
		}
	}

	switch target {
	case ResolutionHighest:
		return highest, true
	case ResolutionLowest:
		return lowest, true
	}
	for _, opt := range options {
		if opt.Resolution == target {
			return opt, true
		}
	}
	return highest, true
}
