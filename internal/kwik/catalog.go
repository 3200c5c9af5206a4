package kwik

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/yourusername/pahe-extract-go/internal/domain"
)

// maxPageFetches bounds concurrent release list requests in AllEpisodes
const maxPageFetches = 4

var (
	anchorPattern     = regexp.MustCompile(`<a\s[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	resolutionPattern = regexp.MustCompile(`(\d{3,4})p`)
	audioPattern      = regexp.MustCompile(`(jpn|eng|multi)`)
	sizePattern       = regexp.MustCompile(`(\d+(?:\.\d+)?\s*(?:MB|GB))`)
)

// embedHosts are the hosts whose links on a play page lead to the resolver
var embedHosts = []string{"pahe.win", "kwik.cx", "kwik.si"}

// Catalog reads a title's release list and the download options of its
// episodes from the site configured as ResolverConfig.SiteURL. It shares
// the resolver's transport, limiter and retry policy.
type Catalog struct {
	r    *Resolver
	base string
}

// NewCatalog creates a catalog client on top of r
func NewCatalog(r *Resolver) *Catalog {
	return &Catalog{r: r, base: strings.TrimRight(r.cfg.SiteURL, "/")}
}

type releaseList struct {
	Total       int `json:"total"`
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	Data        []struct {
		ID        int64   `json:"id"`
		Episode   float64 `json:"episode"`
		Title     string  `json:"title"`
		Snapshot  string  `json:"snapshot"`
		Duration  string  `json:"duration"`
		Session   string  `json:"session"`
		Filler    int     `json:"filler"`
		CreatedAt string  `json:"created_at"`
	} `json:"data"`
}

// Episodes returns one page of the release list of animeSession, oldest first
func (c *Catalog) Episodes(ctx context.Context, animeSession string, page int) (domain.EpisodePage, error) {
	if animeSession == "" {
		return domain.EpisodePage{}, fmt.Errorf("anime session is required")
	}
	if page < 1 {
		page = 1
	}

	sess, err := c.session()
	if err != nil {
		return domain.EpisodePage{}, err
	}

	target := fmt.Sprintf("%s/api?m=release&id=%s&sort=episode_asc&page=%d",
		c.base, url.QueryEscape(animeSession), page)
	p, err := c.r.fetch(ctx, sess, target, c.animeURL(animeSession))
	if err != nil {
		return domain.EpisodePage{}, fmt.Errorf("failed to fetch release list: %w", err)
	}

	var list releaseList
	if err := json.Unmarshal([]byte(p.Text), &list); err != nil {
		return domain.EpisodePage{}, fmt.Errorf("%w: release list: %v", domain.ErrPatternNotFound, err)
	}

	out := domain.EpisodePage{
		Episodes: make([]domain.Episode, 0, len(list.Data)),
		Page:     page,
		LastPage: list.LastPage,
		Total:    list.Total,
	}
	if out.LastPage < 1 {
		out.LastPage = 1
	}
	for _, item := range list.Data {
		out.Episodes = append(out.Episodes, domain.Episode{
			ID:        item.ID,
			Number:    item.Episode,
			Title:     item.Title,
			Session:   item.Session,
			Duration:  item.Duration,
			Snapshot:  item.Snapshot,
			Filler:    item.Filler == 1,
			CreatedAt: item.CreatedAt,
		})
	}
	return out, nil
}

// AllEpisodes fetches every page of the release list and returns the
// episodes sorted by number
func (c *Catalog) AllEpisodes(ctx context.Context, animeSession string) ([]domain.Episode, error) {
	first, err := c.Episodes(ctx, animeSession, 1)
	if err != nil {
		return nil, err
	}
	episodes := first.Episodes

	if first.LastPage > 1 {
		p := pool.NewWithResults[[]domain.Episode]().
			WithContext(ctx).
			WithCancelOnError().
			WithMaxGoroutines(maxPageFetches)
		for page := 2; page <= first.LastPage; page++ {
			page := page
			p.Go(func(ctx context.Context) ([]domain.Episode, error) {
				res, err := c.Episodes(ctx, animeSession, page)
				return res.Episodes, err
			})
		}
		pages, err := p.Wait()
		if err != nil {
			return nil, err
		}
		for _, eps := range pages {
			episodes = append(episodes, eps...)
		}
	}

	sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].Number < episodes[j].Number })
	return episodes, nil
}

// DownloadOptions scrapes the play page of one episode for its embed
// links, highest resolution first
func (c *Catalog) DownloadOptions(ctx context.Context, animeSession, episodeSession string) ([]domain.DownloadOption, error) {
	if animeSession == "" || episodeSession == "" {
		return nil, fmt.Errorf("anime and episode sessions are required")
	}

	sess, err := c.session()
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/play/%s/%s", c.base, url.PathEscape(animeSession), url.PathEscape(episodeSession))
	p, err := c.r.fetch(ctx, sess, target, c.animeURL(animeSession))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch episode page: %w", err)
	}

	options := ParseDownloadOptions(p.Text)
	c.r.logger.Debug("Download options found",
		zap.String("anime", animeSession),
		zap.String("episode", episodeSession),
		zap.Int("count", len(options)))
	return options, nil
}

// ParseDownloadOptions extracts the embed links of a play page. Anchors
// pointing elsewhere are ignored.
func ParseDownloadOptions(text string) []domain.DownloadOption {
	options := []domain.DownloadOption{}
	for _, m := range anchorPattern.FindAllStringSubmatch(text, -1) {
		link := html.UnescapeString(m[1])
		if !isEmbedLink(link) {
			continue
		}
		if unescaped, err := url.PathUnescape(link); err == nil {
			link = unescaped
		}

		info := strings.Join(strings.Fields(html.UnescapeString(tagPattern.ReplaceAllString(m[2], " "))), " ")

		opt := domain.DownloadOption{EmbedURL: link, Quality: info, Audio: "jpn"}
		if rm := resolutionPattern.FindStringSubmatch(info); rm != nil {
			opt.Resolution, _ = strconv.Atoi(rm[1])
		}
		if am := audioPattern.FindStringSubmatch(strings.ToLower(info)); am != nil {
			opt.Audio = am[1]
		}
		if sm := sizePattern.FindStringSubmatch(info); sm != nil {
			opt.Size = sm[1]
		}
		options = append(options, opt)
	}

	sort.SliceStable(options, func(i, j int) bool { return options[i].Resolution > options[j].Resolution })
	return options
}

func isEmbedLink(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range embedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (c *Catalog) session() (*session, error) {
	seed, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("invalid site url: %w", err)
	}
	return c.r.newSession(seed)
}

func (c *Catalog) animeURL(animeSession string) string {
	return c.base + "/anime/" + url.PathEscape(animeSession)
}
