package govinfo

import (
	"encoding/json"
)

// Collection is one entry of the API's collection catalog.
type Collection struct {
	Code         string `json:"collectionCode"`
	Name         string `json:"collectionName"`
	Description  string `json:"description"`
	LastModified string `json:"lastModified"`
	PackageCount int64  `json:"packageCount"`
}

// collectionsResponse is the payload of GET /collections.
type collectionsResponse struct {
	Collections []Collection `json:"collections"`
}

// packagesPage is the payload of GET /collections/{code}. Count is the total
// number of packages in the collection; Packages is one page slice of them.
type packagesPage struct {
	Count    int64             `json:"count"`
	Message  string            `json:"message"`
	NextPage string            `json:"nextPage"`
	Packages []json.RawMessage `json:"packages"`
}

// packageStub extracts just the stable identifier from a package entity.
type packageStub struct {
	PackageID string `json:"packageId"`
}
