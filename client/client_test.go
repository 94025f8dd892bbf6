package client_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pro0o/kvs/client"
	"github.com/pro0o/kvs/engine"
	"github.com/pro0o/kvs/protocol"
	"github.com/pro0o/kvs/server"
	"github.com/pro0o/kvs/types"
	"github.com/rs/zerolog"
)

func TestSuite(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	RegisterFailHandler(Fail)
	RunSpecs(t, "client")
}

var _ = Describe("Client", func() {
	for _, name := range engine.Names() {
		name := name

		Context("against the "+name+" engine", func() {
			var (
				subject *client.Client
				store   engine.Engine
				dir     string
				addr    string
				cancel  context.CancelFunc
				done    chan error
				ctx     = context.Background()
			)

			BeforeEach(func() {
				var err error
				dir, err = os.MkdirTemp("", "kvs-client")
				Expect(err).NotTo(HaveOccurred())

				store, err = engine.Open(name, dir, nil)
				Expect(err).NotTo(HaveOccurred())

				ln, err := net.Listen("tcp", "127.0.0.1:0")
				Expect(err).NotTo(HaveOccurred())

				var serveCtx context.Context
				serveCtx, cancel = context.WithCancel(context.Background())
				done = make(chan error, 1)
				addr = ln.Addr().String()
				srv := server.New(store, addr)
				go func() { done <- srv.Serve(serveCtx, ln) }()

				subject = client.New(addr)
			})

			AfterEach(func() {
				cancel()
				Eventually(done, 5*time.Second).Should(Receive(BeNil()))
				Expect(store.Close()).To(Succeed())
				Expect(os.RemoveAll(dir)).To(Succeed())
			})

			It("should set and get", func() {
				Expect(subject.Set(ctx, "user:1", "john_doe")).To(Succeed())

				val, found, err := subject.Get(ctx, "user:1")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
				Expect(val).To(Equal("john_doe"))
			})

			It("should report a missing key", func() {
				_, found, err := subject.Get(ctx, "nope")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeFalse())
			})

			It("should distinguish an empty value from a missing key", func() {
				Expect(subject.Set(ctx, "empty", "")).To(Succeed())

				val, found, err := subject.Get(ctx, "empty")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
				Expect(val).To(BeEmpty())
			})

			It("should store the value rm", func() {
				Expect(subject.Set(ctx, "cmd", "rm")).To(Succeed())

				val, found, err := subject.Get(ctx, "cmd")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeTrue())
				Expect(val).To(Equal("rm"))
			})

			It("should remove", func() {
				Expect(subject.Set(ctx, "a", "1")).To(Succeed())
				Expect(subject.Remove(ctx, "a")).To(Succeed())

				_, found, err := subject.Get(ctx, "a")
				Expect(err).NotTo(HaveOccurred())
				Expect(found).To(BeFalse())
			})

			It("should fail to remove a missing key", func() {
				err := subject.Remove(ctx, "nope")
				Expect(err).To(HaveOccurred())
				Expect(client.IsKeyNotFound(err)).To(BeTrue())

				var se *client.ServerError
				Expect(errors.As(err, &se)).To(BeTrue())
				Expect(se.Message).To(ContainSubstring(types.ErrKeyNotFound.Error()))
				Expect(se.Kind).To(Equal(protocol.KindNotFound))
			})

			It("should see writes from other clients", func() {
				other := client.New(addr)
				Expect(other.Set(ctx, "shared", "v1")).To(Succeed())

				val, _, err := subject.Get(ctx, "shared")
				Expect(err).NotTo(HaveOccurred())
				Expect(val).To(Equal("v1"))
			})
		})
	}

	It("should fail to reach a closed port", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr := ln.Addr().String()
		Expect(ln.Close()).To(Succeed())

		err = client.New(addr).Set(context.Background(), "k", "v")
		Expect(err).To(HaveOccurred())
		Expect(client.IsKeyNotFound(err)).To(BeFalse())
	})

	It("should honour the context deadline", func() {
		// accepts but never answers
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, _, err = client.New(ln.Addr().String()).Get(ctx, "k")
		Expect(err).To(HaveOccurred())
		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
	})
})

// failingEngine fails every call with a message that merely mentions a
// missing key.
type failingEngine struct{}

var errDisk = errors.New("disk failure while looking for key not found marker")

func (failingEngine) Set(string, string) error         { return errDisk }
func (failingEngine) Get(string) (string, bool, error) { return "", false, errDisk }
func (failingEngine) Remove(string) error              { return errDisk }
func (failingEngine) Close() error                     { return nil }

var _ = Describe("Client error kinds", func() {
	var (
		subject *client.Client
		cancel  context.CancelFunc
		done    chan error
		ctx     = context.Background()
	)

	BeforeEach(func() {
		srv := server.New(failingEngine{}, "127.0.0.1:0")
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		subject = client.New(ln.Addr().String())

		var sctx context.Context
		sctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- srv.Serve(sctx, ln) }()
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})

	It("should not mistake an engine failure for a missing key", func() {
		err := subject.Remove(ctx, "k")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("key not found"))
		Expect(client.IsKeyNotFound(err)).To(BeFalse())

		var se *client.ServerError
		Expect(errors.As(err, &se)).To(BeTrue())
		Expect(se.Kind).To(BeEmpty())
	})

	It("should see through wrapping", func() {
		err := fmt.Errorf("remove k: %w", &client.ServerError{Message: "x", Kind: protocol.KindNotFound})
		Expect(client.IsKeyNotFound(err)).To(BeTrue())
	})
})
