package api

import (
	"net/url"
	"time"

	"github.com/lc-server/pkg/lc/models"
)

// lcContext is the JSON-LD context shared by every fragment document.
var lcContext = map[string]any{
	"xsd":                 "http://www.w3.org/2001/XMLSchema#",
	"lc":                  "http://semweb.mmlab.be/ns/linkedconnections#",
	"hydra":               "http://www.w3.org/ns/hydra/core#",
	"gtfs":                "http://vocab.gtfs.org/terms#",
	"Connection":          "lc:Connection",
	"CancelledConnection": "lc:CancelledConnection",
	"departureStop":       map[string]string{"@type": "@id", "@id": "lc:departureStop"},
	"arrivalStop":         map[string]string{"@type": "@id", "@id": "lc:arrivalStop"},
	"departureTime":       map[string]string{"@type": "xsd:dateTime", "@id": "lc:departureTime"},
	"arrivalTime":         map[string]string{"@type": "xsd:dateTime", "@id": "lc:arrivalTime"},
	"departureDelay":      map[string]string{"@type": "xsd:integer", "@id": "lc:departureDelay"},
	"arrivalDelay":        map[string]string{"@type": "xsd:integer", "@id": "lc:arrivalDelay"},
	"direction":           map[string]string{"@type": "xsd:string", "@id": "gtfs:headsign"},
	"gtfs:trip":           map[string]string{"@type": "@id"},
	"gtfs:route":          map[string]string{"@type": "@id"},
	"gtfs:pickupType":     map[string]string{"@type": "@id"},
	"gtfs:dropOffType":    map[string]string{"@type": "@id"},
}

type iriMapping struct {
	Type     string `json:"@type"`
	Variable string `json:"hydra:variable"`
	Required bool   `json:"hydra:required"`
	Property string `json:"hydra:property"`
}

type iriTemplate struct {
	Type                   string     `json:"@type"`
	Template               string     `json:"hydra:template"`
	VariableRepresentation string     `json:"hydra:variableRepresentation"`
	Mapping                iriMapping `json:"hydra:mapping"`
}

// document is a paginated fragment as served to clients.
type document struct {
	Context  map[string]any      `json:"@context"`
	ID       string              `json:"@id"`
	Type     string              `json:"@type"`
	Next     string              `json:"hydra:next,omitempty"`
	Previous string              `json:"hydra:previous,omitempty"`
	Search   iriTemplate         `json:"hydra:search"`
	Graph    []models.Connection `json:"@graph"`
}

func newDocument(host, agency, id string, conns []models.Connection) document {
	if conns == nil {
		conns = []models.Connection{}
	}
	return document{
		Context: lcContext,
		ID:      id,
		Type:    "hydra:PartialCollectionView",
		Search: iriTemplate{
			Type:                   "hydra:IriTemplate",
			Template:               host + agency + "/connections/{?departureTime}",
			VariableRepresentation: "hydra:BasicRepresentation",
			Mapping: iriMapping{
				Type:     "IriTemplateMapping",
				Variable: "departureTime",
				Required: true,
				Property: "lc:departureTimeQuery",
			},
		},
		Graph: conns,
	}
}

// pageURL builds host/agency/path?departureTime=T[&version=V].
func pageURL(host, agency, path string, departure time.Time, version string) string {
	q := url.Values{}
	q.Set("departureTime", models.FormatISO(departure))
	if version != "" {
		q.Set("version", version)
	}
	return host + agency + "/" + path + "?" + q.Encode()
}
