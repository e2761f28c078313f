package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("artifact", func() {
	var root string

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "artifact-")
		Expect(err).To(BeNil())
		DeferCleanup(os.RemoveAll, root)
	})

	write := func(rel string) {
		p := filepath.Join(root, rel)
		Expect(os.MkdirAll(filepath.Dir(p), 0o755)).To(Succeed())
		Expect(os.WriteFile(p, []byte("x"), 0o600)).To(Succeed())
	}

	layout := Layout{Required: []string{"MTD_*.xml", "TILES/*/IMG_DATA/*.TIF"}}

	Context("filesystem", func() {
		It("reports existence", func() {
			inspector := NewFilesystemInspector()
			ok, err := inspector.Exists(context.TODO(), root)
			Expect(err).To(BeNil())
			Expect(ok).To(BeTrue())

			ok, err = inspector.Exists(context.TODO(), filepath.Join(root, "missing"))
			Expect(err).To(BeNil())
			Expect(ok).To(BeFalse())
		})

		It("accepts a product matching the layout", func() {
			write("MTD_L3B.xml")
			write("TILES/31TCJ/IMG_DATA/LAI.TIF")

			Expect(NewFilesystemInspector().Validate(context.TODO(), root, layout)).To(Succeed())
		})

		It("rejects a product with a missing part", func() {
			write("MTD_L3B.xml")
			write("TILES/31TCJ/QI_DATA/MASK.TIF")

			err := NewFilesystemInspector().Validate(context.TODO(), root, layout)
			Expect(errors.Is(err, ErrInvalidLayout)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("TILES/*/IMG_DATA/*.TIF"))
		})

		It("rejects a missing product", func() {
			err := NewFilesystemInspector().Validate(context.TODO(), filepath.Join(root, "nope"), layout)
			Expect(errors.Is(err, ErrMissing)).To(BeTrue())
		})

		It("rejects an invalid pattern", func() {
			write("MTD_L3B.xml")
			err := NewFilesystemInspector().Validate(context.TODO(), root, Layout{Required: []string{"[a-"}})
			Expect(err).ToNot(BeNil())
		})
	})

	Context("object paths", func() {
		It("splits s3 urls and bucket relative keys", func() {
			bucket, key, err := splitObjectPath("default", "s3://products/site/L3B_1/")
			Expect(err).To(BeNil())
			Expect(bucket).To(Equal("products"))
			Expect(key).To(Equal("site/L3B_1"))

			bucket, key, err = splitObjectPath("default", "/site/L3B_1")
			Expect(err).To(BeNil())
			Expect(bucket).To(Equal("default"))
			Expect(key).To(Equal("site/L3B_1"))

			_, _, err = splitObjectPath("", "site/L3B_1")
			Expect(err).ToNot(BeNil())
		})
	})
})
