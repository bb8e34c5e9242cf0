package unsplash

import (
	"time"

	"splashelt/internal/model"
)

// apiPhoto mirrors the JSON shape of one photo object returned by the API.
// Only the fields the warehouse cares about are declared; everything else is
// dropped at decode time.
type apiPhoto struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Color          string            `json:"color"`
	BlurHash       string            `json:"blur_hash"`
	Downloads      int64             `json:"downloads"`
	Likes          int64             `json:"likes"`
	Views          int64             `json:"views"`
	Description    string            `json:"description"`
	AltDescription string            `json:"alt_description"`
	URLs           map[string]string `json:"urls"`
	Links          map[string]string `json:"links"`
	User           apiUser           `json:"user"`
	Location       map[string]any    `json:"location"`
	Exif           map[string]any    `json:"exif"`
	Tags           []apiTag          `json:"tags"`
}

type apiUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type apiTag struct {
	Title string `json:"title"`
}

// apiStats mirrors GET /photos/{id}/statistics. The API nests each counter
// under a {total, history} object; only totals are kept.
type apiStats struct {
	Downloads apiStatTotal `json:"downloads"`
	Likes     apiStatTotal `json:"likes"`
	Views     apiStatTotal `json:"views"`
}

type apiStatTotal struct {
	Total int64 `json:"total"`
}

func (p apiPhoto) toModel(extractedAt time.Time) model.Photo {
	tags := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		if t.Title != "" {
			tags = append(tags, t.Title)
		}
	}

	return model.Photo{
		ID:             p.ID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		Width:          p.Width,
		Height:         p.Height,
		Color:          p.Color,
		BlurHash:       p.BlurHash,
		Downloads:      p.Downloads,
		Likes:          p.Likes,
		Views:          p.Views,
		Description:    p.Description,
		AltDescription: p.AltDescription,
		URLs:           p.URLs,
		Links:          p.Links,
		Location:       p.Location,
		Exif:           p.Exif,
		UserID:         p.User.ID,
		UserName:       p.User.Name,
		UserUsername:   p.User.Username,
		Tags:           tags,
		ExtractedAt:    extractedAt,
	}
}

func (s apiStats) toModel() *model.PhotoStats {
	return &model.PhotoStats{
		Downloads: s.Downloads.Total,
		Likes:     s.Likes.Total,
		Views:     s.Views.Total,
	}
}
