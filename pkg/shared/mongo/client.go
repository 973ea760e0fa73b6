// Package mongo holds the MongoDB connection shared by everything in one
// process which talks to the same server.
package mongo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultDB          = "extentstore"
	defaultTimeout     = 10 * time.Second
	defaultPingTimeout = 3 * time.Second
)

// Client connects lazily, on the first call to GetDB.
type Client struct {
	url    string
	dbName string

	timeout     time.Duration
	pingTimeout time.Duration

	mu sync.Mutex
	db *mongo.Database
}

func NewClient(url string) *Client {
	return &Client{
		url:         url,
		dbName:      DefaultDB,
		timeout:     defaultTimeout,
		pingTimeout: defaultPingTimeout,
	}
}

// WithDatabase sets the database name. Tests use it to isolate themselves.
func (c *Client) WithDatabase(name string) *Client {
	c.dbName = name
	return c
}

func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

func (c *Client) WithPingTimeout(pingTimeout time.Duration) *Client {
	c.pingTimeout = pingTimeout
	return c
}

// GetDB returns the database, connecting first if needed.
func (c *Client) GetDB(ctx context.Context) (*mongo.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	opt := options.Client().ApplyURI(c.url).SetTimeout(c.timeout)
	client, err := mongo.Connect(ctx, opt)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	c.db = client.Database(c.dbName)
	return c.db, nil
}

// Close disconnects, if connected. GetDB will reconnect afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	err := c.db.Client().Disconnect(ctx)
	c.db = nil
	return err
}
