package store

import (
	"context"
	"errors"

	"github.com/sen2agri/orchestrator/internal/store/model"
	"gorm.io/gorm"
)

type Product interface {
	// Create inserts the product and its provenance edges. A product with the same
	// (job, module, path) yields ErrDuplicateKey.
	Create(ctx context.Context, product model.Product) (*model.Product, error)
	Get(ctx context.Context, id uint) (*model.Product, error)
	FindByPath(ctx context.Context, jobID *uint, module, fullPath string) (*model.Product, error)
	List(ctx context.Context, filter *ProductQueryFilter, opts *ProductQueryOptions) (model.ProductList, error)
	Parents(ctx context.Context, id uint) (model.ProductList, error)
}

type ProductStore struct {
	db *gorm.DB
}

// Make sure we conform to Product interface
var _ Product = (*ProductStore)(nil)

func NewProductStore(db *gorm.DB) Product {
	return &ProductStore{db: db}
}

func (p *ProductStore) Create(ctx context.Context, product model.Product) (*model.Product, error) {
	if product.Tiles == "" {
		product.SetTiles(nil)
	}

	err := p.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Parents").Create(&product).Error; err != nil {
			return err
		}
		if len(product.Parents) == 0 {
			return nil
		}
		for i := range product.Parents {
			product.Parents[i].ProductID = product.ID
		}
		return tx.Create(&product.Parents).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return &product, nil
}

func (p *ProductStore) Get(ctx context.Context, id uint) (*model.Product, error) {
	var product model.Product
	result := p.getDB(ctx).Preload("Parents").First(&product, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &product, nil
}

func (p *ProductStore) FindByPath(ctx context.Context, jobID *uint, module, fullPath string) (*model.Product, error) {
	tx := p.getDB(ctx).Preload("Parents").Where("module = ? AND full_path = ?", module, fullPath)
	if jobID == nil {
		tx = tx.Where("job_id IS NULL")
	} else {
		tx = tx.Where("job_id = ?", *jobID)
	}

	var product model.Product
	if err := tx.First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (p *ProductStore) List(ctx context.Context, filter *ProductQueryFilter, opts *ProductQueryOptions) (model.ProductList, error) {
	var products model.ProductList
	tx := p.getDB(ctx).Model(&products).Preload("Parents")
	tx = (*BaseQuerier)(filter).apply(tx)
	if opts == nil {
		tx = tx.Order("created_at").Order("id")
	}
	tx = (*BaseQuerier)(opts).apply(tx)

	if err := tx.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (p *ProductStore) Parents(ctx context.Context, id uint) (model.ProductList, error) {
	var parents model.ProductList
	result := p.getDB(ctx).
		Where("id IN (?)", p.getDB(ctx).Model(&model.ProductProvenance{}).
			Select("parent_product_id").
			Where("product_id = ?", id)).
		Order("id").
		Find(&parents)
	if result.Error != nil {
		return nil, result.Error
	}
	return parents, nil
}

func (p *ProductStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return p.db.WithContext(ctx)
}
