package model

import (
	"encoding/json"
	"time"
)

type ProductType string

const (
	ProductTypeL2A             ProductType = "l2a"
	ProductTypeComposite       ProductType = "l3a"
	ProductTypeLAI             ProductType = "l3b"
	ProductTypeLAIReprocessed  ProductType = "l3c"
	ProductTypeLAIFitted       ProductType = "l3d"
	ProductTypeCropMask        ProductType = "l4a"
	ProductTypeCropType        ProductType = "l4b"
	ProductTypeMarkers         ProductType = "s4c_l4c"
	ProductTypeAgriPractices   ProductType = "s4c_l4a"
	ProductTypeGrasslandMowing ProductType = "s4c_l4b"
)

type Product struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	ProductType    ProductType         `gorm:"type:VARCHAR(20);index;not null" json:"productType"`
	ProcessorID    uint                `json:"processorId"`
	SiteID         uint                `gorm:"index;not null" json:"siteId"`
	JobID          *uint               `gorm:"uniqueIndex:products_job_module_path" json:"jobId,omitempty"`
	TaskID         *uint               `json:"taskId,omitempty"`
	Module         string              `gorm:"uniqueIndex:products_job_module_path" json:"module,omitempty"`
	FullPath       string              `gorm:"uniqueIndex:products_job_module_path;not null" json:"fullPath"`
	CreatedAt      time.Time           `gorm:"index" json:"createdAt"`
	InsertedAt     time.Time           `gorm:"autoCreateTime" json:"insertedAt"`
	Name           string              `json:"name"`
	QuicklookImage string              `json:"quicklookImage,omitempty"`
	Footprint      string              `json:"footprint,omitempty"`
	Tiles          string              `gorm:"type:text" json:"-"`
	Parents        []ProductProvenance `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE;" json:"parents,omitempty"`
}

// ProductProvenance links a product to one of the products it was derived from.
type ProductProvenance struct {
	ProductID       uint `gorm:"primaryKey" json:"-"`
	ParentProductID uint `gorm:"primaryKey" json:"parentProductId"`
}

type ProductList []Product

func (p *Product) SetTiles(tiles []string) {
	if tiles == nil {
		tiles = []string{}
	}
	data, _ := json.Marshal(tiles)
	p.Tiles = string(data)
}

func (p Product) TileIDs() []string {
	tiles := []string{}
	if p.Tiles == "" {
		return tiles
	}
	_ = json.Unmarshal([]byte(p.Tiles), &tiles)
	return tiles
}

func (p Product) ParentIDs() []uint {
	ids := make([]uint, 0, len(p.Parents))
	for _, pp := range p.Parents {
		ids = append(ids, pp.ParentProductID)
	}
	return ids
}

func (l ProductList) Paths() []string {
	paths := make([]string, 0, len(l))
	for _, p := range l {
		paths = append(paths, p.FullPath)
	}
	return paths
}

func (l ProductList) IDs() []uint {
	ids := make([]uint, 0, len(l))
	for _, p := range l {
		ids = append(ids, p.ID)
	}
	return ids
}
