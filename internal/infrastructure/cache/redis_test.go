package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"pointsbilling/internal/config"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"
)

func TestInitRedis_HostPort(t *testing.T) {
	g := NewWithT(t)
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	g.Expect(err).ToNot(HaveOccurred())

	client, err := InitRedis(&config.RedisConfig{Host: mr.Host(), Port: port}, zaptest.NewLogger(t))
	g.Expect(err).ToNot(HaveOccurred())
	defer client.Close()

	g.Expect(client.Set(context.Background(), "k", "v", time.Minute).Err()).To(Succeed())
	g.Expect(mr.Get("k")).To(Equal("v"))
}

func TestInitRedis_Addrs(t *testing.T) {
	g := NewWithT(t)
	mr := miniredis.RunT(t)

	client, err := InitRedis(&config.RedisConfig{Addrs: []string{mr.Addr()}, DB: 0}, zaptest.NewLogger(t))
	g.Expect(err).ToNot(HaveOccurred())
	defer client.Close()

	g.Expect(client.Ping(context.Background()).Err()).To(Succeed())
}

func TestInitRedis_Unreachable(t *testing.T) {
	g := NewWithT(t)
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := InitRedis(&config.RedisConfig{Addrs: []string{addr}, DialTimeout: 100 * time.Millisecond}, zaptest.NewLogger(t))
	g.Expect(err).To(HaveOccurred())
}
