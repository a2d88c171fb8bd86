package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const visitKeyPrefix = "visit"

// NewRedisClient connects to addr and checks the connection with a PING.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// RedisVisitGuard remembers recently seen (partner, ip, user agent) triples
// so repeat visits skip the database.
type RedisVisitGuard struct {
	client *redis.Client
}

func NewRedisVisitGuard(client *redis.Client) *RedisVisitGuard {
	return &RedisVisitGuard{client: client}
}

func visitKey(partnerID uint, ip, userAgent string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return fmt.Sprintf("%s:%d:%s", visitKeyPrefix, partnerID, hex.EncodeToString(sum[:]))
}

// Acquire reports true when the triple was not seen within window and marks it seen.
func (g *RedisVisitGuard) Acquire(ctx context.Context, partnerID uint, ip, userAgent string, window time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, visitKey(partnerID, ip, userAgent), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("setnx visit key: %w", err)
	}
	return ok, nil
}

// ExpireAt moves the expiry of an existing mark to at.
func (g *RedisVisitGuard) ExpireAt(ctx context.Context, partnerID uint, ip, userAgent string, at time.Time) error {
	if err := g.client.PExpireAt(ctx, visitKey(partnerID, ip, userAgent), at).Err(); err != nil {
		return fmt.Errorf("pexpireat visit key: %w", err)
	}
	return nil
}

func (g *RedisVisitGuard) Release(ctx context.Context, partnerID uint, ip, userAgent string) error {
	if err := g.client.Del(ctx, visitKey(partnerID, ip, userAgent)).Err(); err != nil {
		return fmt.Errorf("del visit key: %w", err)
	}
	return nil
}
