package imports

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			key      string
			data     []byte
			savedKey string
			err      error
		)

		BeforeEach(func() {
			key = "ocr-forms/test.jpg"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			savedKey, err = storage.Save(ctx, key, data, "image/jpeg")
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the key", func() {
				Expect(savedKey).To(Equal(key))
			})

			It("should save the file to disk", func() {
				Expect(filepath.Join(tmpDir, "ocr-forms", "test.jpg")).To(BeAnExistingFile())
			})
		})

		When("the key escapes the storage directory", func() {
			BeforeEach(func() {
				key = "../../etc/passwd"
			})

			It("should keep the file inside the directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, "etc", "passwd")).To(BeAnExistingFile())
			})
		})

		When("the key is empty", func() {
			BeforeEach(func() {
				key = ""
			})

			It("returns an invalid input error", func() {
				Expect(err).To(MatchError(ErrInvalidInput))
			})
		})
	})

	Describe("Get", func() {
		It("returns the saved data", func() {
			_, err := storage.Save(ctx, "a.png", []byte("png"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			data, err := storage.Get(ctx, "a.png")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("png"))
		})

		It("returns not found for missing files", func() {
			_, err := storage.Get(ctx, "missing.png")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Delete", func() {
		It("removes the file", func() {
			_, err := storage.Save(ctx, "a.png", []byte("png"), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete(ctx, "a.png")).To(Succeed())
			Expect(filepath.Join(tmpDir, "a.png")).NotTo(BeAnExistingFile())
		})

		It("fails for missing files", func() {
			Expect(storage.Delete(ctx, "missing.png")).NotTo(Succeed())
		})
	})

	It("reports its name", func() {
		Expect(storage.Name()).To(Equal("local"))
	})
})

var _ = Describe("OpenStorage", func() {
	It("opens a local directory", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "uploads")
		storage, err := OpenStorage(context.Background(), dir, S3Config{})
		Expect(err).NotTo(HaveOccurred())
		Expect(storage.Name()).To(Equal("local"))
		Expect(dir).To(BeADirectory())
	})
})

var _ = Describe("imageExtension", func() {
	DescribeTable("picks the stored extension",
		func(filename, contentType, expected string) {
			Expect(imageExtension(filename, contentType)).To(Equal(expected))
		},
		Entry("from the filename", "invoice.JPG", "image/png", ".jpg"),
		Entry("from the content type", "upload", "image/png", ".png"),
		Entry("for a pdf", "", "application/pdf", ".pdf"),
		Entry("for an unknown type", "blob", "application/zip", ".bin"),
	)
})
