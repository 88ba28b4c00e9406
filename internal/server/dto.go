package server

import (
	"time"

	"worksafety/internal/readapi"
	"worksafety/pkg/domain"
)

// PublishRequest asks the bus to fan out a subject change.
type PublishRequest struct {
	SubjectKind string     `json:"subject_kind" enum:"task,location,project,activity" doc:"Kind of the changed subject"`
	SubjectID   string     `json:"subject_id" minLength:"1"`
	Cause       string     `json:"cause" minLength:"1" example:"weather_refreshed"`
	OccurredAt  *time.Time `json:"occurred_at,omitempty" doc:"When the change happened; defaults to now"`
}

// SubjectRequest names one subject for an admin recompute.
type SubjectRequest struct {
	SubjectKind string `json:"subject_kind" enum:"task,location,project,activity"`
	SubjectID   string `json:"subject_id" minLength:"1"`
}

// PublishResponse reports how many triggers were enqueued or coalesced.
type PublishResponse struct {
	Triggers int `json:"triggers"`
}

// RiskResponse is the read contract: a level, plus score and freshness when banded.
type RiskResponse struct {
	Level        string     `json:"level" enum:"LOW,MEDIUM,HIGH,RECALCULATING,UNKNOWN"`
	Score        *float64   `json:"score,omitempty"`
	CalculatedAt *time.Time `json:"calculated_at,omitempty"`
}

func riskResponse(r readapi.Reading) RiskResponse {
	return RiskResponse{Level: string(r.Level), Score: r.Score, CalculatedAt: r.CalculatedAt}
}

// SiteConditionResponse is one applicable or inapplicable condition at a location.
type SiteConditionResponse struct {
	LibraryID    string         `json:"library_id"`
	Handle       string         `json:"handle,omitempty"`
	Name         string         `json:"name,omitempty"`
	Applicable   bool           `json:"applicable"`
	Source       string         `json:"source" enum:"evaluated,manual"`
	Fired        []FiringDetail `json:"fired,omitempty"`
	Stale        bool           `json:"stale,omitempty"`
	CalculatedAt *time.Time     `json:"calculated_at,omitempty"`
}

// FiringDetail is a predicate leaf that evaluated true.
type FiringDetail struct {
	Op       string  `json:"op"`
	Detail   string  `json:"detail,omitempty"`
	Observed float64 `json:"observed"`
}

func siteConditionResponses(views []readapi.SiteConditionView) []SiteConditionResponse {
	out := make([]SiteConditionResponse, 0, len(views))
	for _, v := range views {
		item := SiteConditionResponse{
			LibraryID:    v.LibraryID,
			Handle:       v.Handle,
			Name:         v.Name,
			Applicable:   v.Applicable,
			Source:       string(v.Source),
			CalculatedAt: v.CalculatedAt,
		}
		if v.Evidence != nil {
			item.Stale = v.Evidence.Stale
			for _, f := range v.Evidence.Fired {
				item.Fired = append(item.Fired, FiringDetail{Op: string(f.Op), Detail: f.Detail, Observed: f.Observed})
			}
		}
		out = append(out, item)
	}
	return out
}

// BandsBody carries a tenant band table.
type BandsBody struct {
	Bands []BandDTO `json:"bands" minItems:"1"`
}

type BandDTO struct {
	Min   float64 `json:"min"`
	Level string  `json:"level" enum:"LOW,MEDIUM,HIGH"`
}

func bandsBody(b domain.Bands) BandsBody {
	out := BandsBody{Bands: make([]BandDTO, 0, len(b))}
	for _, band := range b {
		out.Bands = append(out.Bands, BandDTO{Min: band.Min, Level: string(band.Level)})
	}
	return out
}

func (b BandsBody) domain() domain.Bands {
	out := make(domain.Bands, 0, len(b.Bands))
	for _, band := range b.Bands {
		out = append(out, domain.Band{Min: band.Min, Level: domain.Level(band.Level)})
	}
	return out
}
