package imports

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/restaurant-ops/inventory/internal/mapping"
	"github.com/restaurant-ops/inventory/internal/scanning"
)

var _ = Describe("Service", func() {
	var (
		db      *mockDB
		storage *mockStorage
		scanner *mockScanner
		cache   *mockCache
		keyGen  *mockKeyGenerator
		timeSrc *mockTimeSource
		service *Service
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = newMockDB()
		storage = newMockStorage()
		scanner = newMockScanner()
		cache = newMockCache()
		keyGen = &mockKeyGenerator{key: "test-key-123"}
		timeSrc = &mockTimeSource{now: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, scanner, newTestMapper(), storage, cache, keyGen, timeSrc)
	})

	Describe("ProcessForm", func() {
		var (
			req    ProcessRequest
			result *ProcessResult
			err    error
		)

		BeforeEach(func() {
			req = ProcessRequest{
				Filename:    "invoice.jpg",
				Data:        []byte("fake image data"),
				ContentType: "image/jpeg",
				FormType:    "IMPORT",
				Identity:    "chef",
			}
		})

		JustBeforeEach(func() {
			result, err = service.ProcessForm(ctx, req)
		})

		When("processing succeeds", func() {
			BeforeEach(func() {
				db.seedStock("kg", "Gạo tám thơm", "Thịt bò")
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should create exactly one pending import", func() {
				Expect(db.imports).To(HaveLen(1))
				Expect(result.Import.ID).To(Equal(uint64(1)))
				Expect(result.Import.Status).To(Equal(StatusPending))
			})

			It("should copy the mapped fields onto the import", func() {
				imp := result.Import
				Expect(imp.FormType).To(Equal("IMPORT"))
				Expect(imp.InvoiceNumber).To(Equal("HD-00123"))
				Expect(imp.SupplierRef).To(Equal("Công ty Thực phẩm Sài Gòn"))
				Expect(*imp.TotalAmount).To(Equal(825000.0))
				Expect(*imp.DocumentDate).To(Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
				Expect(imp.Items).To(HaveLen(2))
				Expect(imp.Items[0].Position).To(Equal(1))
				Expect(imp.Items[1].Name).To(Equal("Thịt bò"))
			})

			It("should record the recognition details", func() {
				Expect(result.Import.Confidence).To(Equal(0.92))
				Expect(result.Import.OCREngine).To(Equal("mock"))
				Expect(result.Import.RawText).To(Equal(invoiceText))
				Expect(result.Import.CreatedBy).To(Equal("chef"))
				Expect(result.Import.CreatedAt).To(Equal(timeSrc.now))
			})

			It("should not need review", func() {
				Expect(result.NeedsReview).To(BeFalse())
			})

			It("should store the image under a generated key", func() {
				Expect(storage.files).To(HaveKey("ocr-forms/test-key-123.jpg"))
				Expect(result.Import.ImageKey).To(Equal("ocr-forms/test-key-123.jpg"))
				Expect(result.Import.ImageContentType).To(Equal("image/jpeg"))
			})

			It("should not cache the pending import", func() {
				Expect(cache.entries).NotTo(HaveKey(uint64(1)))
			})
		})

		When("an item is read without diacritics", func() {
			BeforeEach(func() {
				db.seedStock("kg", "Gạo tám thơm", "Thịt bò")
				scanner.recognition.Text = strings.Replace(invoiceText, "Thịt bò", "Thit bo", 1)
			})

			It("should resolve it to the stocked name", func() {
				Expect(err).NotTo(HaveOccurred())
				item := result.Import.Items[1]
				Expect(item.Name).To(Equal("Thịt bò"))
				Expect(item.ReadAs).To(Equal("Thit bo"))
				Expect(item.NeedsReview).To(BeFalse())
				Expect(result.NeedsReview).To(BeFalse())
			})
		})

		When("an item is not in stock yet", func() {
			BeforeEach(func() {
				db.seedStock("kg", "Gạo tám thơm")
			})

			It("should flag the item and the import for review", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Import.Items[0].NeedsReview).To(BeFalse())
				Expect(result.Import.Items[1].NeedsReview).To(BeTrue())
				Expect(result.Import.Items[1].Name).To(Equal("Thịt bò"))
				Expect(result.NeedsReview).To(BeTrue())
			})
		})

		When("the recognition confidence is low", func() {
			BeforeEach(func() {
				scanner.recognition.Confidence = 0.4
			})

			It("should still create the import but flag it for review", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.NeedsReview).To(BeTrue())
				Expect(db.imports).To(HaveLen(1))
			})
		})

		When("no identity is given", func() {
			BeforeEach(func() {
				req.Identity = ""
			})

			It("should record the anonymous identity", func() {
				Expect(result.Import.CreatedBy).To(Equal(AnonymousIdentity))
			})
		})

		When("the image is empty", func() {
			BeforeEach(func() {
				req.Data = nil
			})

			It("returns an invalid input error without scanning", func() {
				Expect(err).To(MatchError(ErrInvalidInput))
				Expect(scanner.calls).To(BeZero())
			})
		})

		When("the form type is unknown", func() {
			BeforeEach(func() {
				req.FormType = "TRANSFER"
			})

			It("returns a mapping error before scanning", func() {
				Expect(err).To(MatchError(mapping.ErrMapping))
				Expect(err).To(MatchError(mapping.ErrUnknownTemplate))
				Expect(scanner.calls).To(BeZero())
				Expect(db.imports).To(BeEmpty())
			})
		})

		When("the form type is lowercase", func() {
			BeforeEach(func() {
				req.FormType = "import"
			})

			It("should resolve the template", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Import.FormType).To(Equal("IMPORT"))
			})
		})

		When("the scanner fails", func() {
			var setupErr error

			BeforeEach(func() {
				setupErr = errors.New("engine crashed")
				scanner.scanErr = setupErr
			})

			It("returns a recognition error wrapping the cause", func() {
				Expect(err).To(MatchError(scanning.ErrRecognition))
				Expect(err).To(MatchError(setupErr))
			})

			It("creates no record and stores no image", func() {
				Expect(db.imports).To(BeEmpty())
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("the recognized text is empty", func() {
			BeforeEach(func() {
				scanner.recognition.Text = "   "
			})

			It("returns a mapping error and creates no record", func() {
				Expect(err).To(MatchError(mapping.ErrMapping))
				Expect(db.imports).To(BeEmpty())
			})
		})

		When("storage save fails", func() {
			BeforeEach(func() {
				storage.saveErr = errors.New("disk full")
			})

			It("should still create the import without an image", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Import.ImageKey).To(BeEmpty())
				Expect(db.imports).To(HaveLen(1))
			})
		})

		When("the database save fails", func() {
			BeforeEach(func() {
				db.createErr = persistenceErr("creating pending import", errors.New("connection reset"))
			})

			It("returns a persistence error", func() {
				Expect(err).To(MatchError(ErrPersistence))
			})

			It("cleans up the saved image", func() {
				Expect(storage.files).To(BeEmpty())
			})
		})
	})

	Describe("List", func() {
		BeforeEach(func() {
			db.imports[1] = &PendingImport{ID: 1, Status: StatusPending}
			db.imports[2] = &PendingImport{ID: 2, Status: StatusApproved}
			db.imports[3] = &PendingImport{ID: 3, Status: StatusPending}
		})

		It("lists pending imports newest first", func() {
			imps, err := service.ListPending(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(imps).To(HaveLen(2))
			Expect(imps[0].ID).To(Equal(uint64(3)))
			Expect(imps[1].ID).To(Equal(uint64(1)))
		})

		It("lists everything without a status", func() {
			imps, err := service.List(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(imps).To(HaveLen(3))
		})

		It("accepts a status in any case", func() {
			_, err := service.List(ctx, " Approved ")
			Expect(err).NotTo(HaveOccurred())
			Expect(db.lastFilter.Status).To(Equal(StatusApproved))
		})

		It("rejects an unknown status", func() {
			_, err := service.List(ctx, "archived")
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.listErr = persistenceErr("listing", errors.New("timeout"))
			})

			It("returns a persistence error", func() {
				_, err := service.ListPending(ctx)
				Expect(err).To(MatchError(ErrPersistence))
			})
		})
	})

	Describe("Get", func() {
		BeforeEach(func() {
			db.imports[7] = &PendingImport{ID: 7, FormType: "IMPORT", Status: StatusApproved}
			db.imports[8] = &PendingImport{ID: 8, FormType: "IMPORT", Status: StatusPending}
		})

		It("reads reviewed imports through the cache", func() {
			imp, err := service.Get(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.ID).To(Equal(uint64(7)))
			Expect(cache.entries).To(HaveKey(uint64(7)))

			db.getErr = errors.New("should not be called")
			imp, err = service.Get(ctx, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.ID).To(Equal(uint64(7)))
		})

		It("does not cache pending imports", func() {
			imp, err := service.Get(ctx, 8)
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.Status).To(Equal(StatusPending))
			Expect(cache.entries).NotTo(HaveKey(uint64(8)))
		})

		When("the import is approved while it is being read", func() {
			BeforeEach(func() {
				db.afterGet = func(id uint64) {
					db.afterGet = nil
					_, err := service.Approve(ctx, id, "owner")
					Expect(err).NotTo(HaveOccurred())
				}
			})

			It("serves the approved status afterwards", func() {
				imp, err := service.Get(ctx, 8)
				Expect(err).NotTo(HaveOccurred())
				Expect(imp.Status).To(Equal(StatusPending))

				imp, err = service.Get(ctx, 8)
				Expect(err).NotTo(HaveOccurred())
				Expect(imp.Status).To(Equal(StatusApproved))
				Expect(cache.entries[8].Status).To(Equal(StatusApproved))
			})
		})

		It("returns not found for unknown ids", func() {
			_, err := service.Get(ctx, 99)
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Approve and Reject", func() {
		var id uint64

		BeforeEach(func() {
			res, err := service.ProcessForm(ctx, ProcessRequest{
				Filename: "invoice.png", Data: []byte("img"), ContentType: "image/png", FormType: "IMPORT",
			})
			Expect(err).NotTo(HaveOccurred())
			id = res.Import.ID
			timeSrc.now = timeSrc.now.Add(time.Hour)
		})

		It("approves a pending import and records the reviewer", func() {
			imp, err := service.Approve(ctx, id, "owner")
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.Status).To(Equal(StatusApproved))
			Expect(imp.ReviewedBy).To(Equal("owner"))
			Expect(*imp.ReviewedAt).To(Equal(timeSrc.now))
		})

		It("applies the import to stock", func() {
			_, err := service.Approve(ctx, id, "owner")
			Expect(err).NotTo(HaveOccurred())
			levels, err := service.Stock(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(levels).To(HaveLen(2))
			Expect(levels[0].ItemName).To(Equal("Gạo tám thơm"))
			Expect(levels[0].Quantity).To(Equal(10.0))
		})

		It("caches the reviewed copy", func() {
			_, err := service.Approve(ctx, id, "owner")
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.entries).To(HaveKey(id))
			Expect(cache.entries[id].Status).To(Equal(StatusApproved))
		})

		It("invalidates the cached copy when the review fails", func() {
			_, err := service.Approve(ctx, id, "owner")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Reject(ctx, id, "owner", "late")
			Expect(err).To(MatchError(ErrInvalidStateTransition))
			Expect(cache.invalidated).To(ContainElement(id))
			Expect(cache.entries).NotTo(HaveKey(id))
		})

		It("refuses to approve twice", func() {
			_, err := service.Approve(ctx, id, "owner")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Approve(ctx, id, "owner")
			Expect(err).To(MatchError(ErrInvalidStateTransition))
		})

		It("refuses to approve a rejected import", func() {
			_, err := service.Reject(ctx, id, "owner", "duplicate")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Approve(ctx, id, "owner")
			Expect(err).To(MatchError(ErrInvalidStateTransition))
		})

		It("rejects with a trimmed reason", func() {
			imp, err := service.Reject(ctx, id, "", "  blurry photo ")
			Expect(err).NotTo(HaveOccurred())
			Expect(imp.Status).To(Equal(StatusRejected))
			Expect(imp.RejectReason).To(Equal("blurry photo"))
			Expect(imp.ReviewedBy).To(Equal(AnonymousIdentity))
		})

		It("returns not found for unknown ids", func() {
			_, err := service.Approve(ctx, 404, "owner")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("ImageFile", func() {
		var (
			id          uint64
			data        []byte
			contentType string
			err         error
		)

		JustBeforeEach(func() {
			data, contentType, err = service.ImageFile(ctx, id)
		})

		When("the import and its image exist", func() {
			BeforeEach(func() {
				id = 1
				db.imports[1] = &PendingImport{ID: 1, ImageKey: "ocr-forms/a.png", ImageContentType: "image/png"}
				storage.files["ocr-forms/a.png"] = []byte("png data")
			})

			It("returns the file and its content type", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("png data"))
				Expect(contentType).To(Equal("image/png"))
			})
		})

		When("the import has no image", func() {
			BeforeEach(func() {
				id = 2
				db.imports[2] = &PendingImport{ID: 2}
			})

			It("returns not found", func() {
				Expect(err).To(MatchError(ErrNotFound))
			})
		})
	})

	Describe("Templates", func() {
		It("lists every template", func() {
			Expect(service.Templates()).To(HaveLen(4))
		})

		It("finds one template", func() {
			tpl, err := service.Template("export")
			Expect(err).NotTo(HaveOccurred())
			Expect(tpl.Type).To(Equal("EXPORT"))
		})

		It("returns not found for unknown types", func() {
			_, err := service.Template("TRANSFER")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("Authenticate", func() {
		BeforeEach(func() {
			hash, err := HashPassword("correct-horse")
			Expect(err).NotTo(HaveOccurred())
			db.users["owner"] = &User{Username: "owner", PasswordHash: hash, Role: RoleOwner, Active: true}
			db.users["former"] = &User{Username: "former", PasswordHash: hash, Role: RoleStaff, Active: false}
		})

		It("accepts the right password", func() {
			user, err := service.Authenticate(ctx, "owner", "correct-horse")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Username).To(Equal("owner"))
		})

		It("rejects a wrong password", func() {
			_, err := service.Authenticate(ctx, "owner", "wrong-horse")
			Expect(err).To(MatchError(ErrUnauthorized))
		})

		It("rejects unknown users", func() {
			_, err := service.Authenticate(ctx, "nobody", "correct-horse")
			Expect(err).To(MatchError(ErrUnauthorized))
		})

		It("rejects inactive users", func() {
			_, err := service.Authenticate(ctx, "former", "correct-horse")
			Expect(err).To(MatchError(ErrUnauthorized))
		})
	})

	Describe("Health", func() {
		It("reports healthy dependencies", func() {
			report := service.Health(ctx)
			Expect(report.Healthy()).To(BeTrue())
			Expect(report.Provider).To(Equal("mock"))
			Expect(report.Engine).To(Equal("mock"))
		})

		It("reports a failing database", func() {
			db.pingErr = errors.New("connection refused")
			Expect(service.Health(ctx).Healthy()).To(BeFalse())
		})
	})
})
