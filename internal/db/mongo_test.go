package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mongoURIEnv names a disposable MongoDB server for the Mongo backend tests.
const mongoURIEnv = "EMADS_TEST_MONGO_URI"

// newMongoTestStore opens a fresh database per test and drops it on cleanup.
func newMongoTestStore(uri string) storeFactory {
	return func(t *testing.T, opts ...Option) Store {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		name := "emads_test_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")
		s, err := NewMongoStore(ctx, uri, name, opts...)
		if err != nil {
			t.Fatalf("NewMongoStore: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.(*mongoStore).db.Drop(ctx); err != nil {
				t.Logf("drop %s: %v", name, err)
			}
			_ = s.Close()
		})
		return s
	}
}

func mongoURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv(mongoURIEnv)
	if uri == "" {
		t.Skipf("%s not set", mongoURIEnv)
	}
	return uri
}

func TestMongoStore(t *testing.T) {
	runStoreContract(t, newMongoTestStore(mongoURI(t)))
}

func TestMongoIndexes(t *testing.T) {
	s := newMongoTestStore(mongoURI(t))(t).(*mongoStore)
	ctx := context.Background()

	// ensureIndexes is safe to repeat on an existing database.
	if err := s.ensureIndexes(ctx); err != nil {
		t.Fatalf("ensureIndexes again: %v", err)
	}

	specs, err := s.db.Collection(collAlerts).Indexes().ListSpecifications(ctx)
	if err != nil {
		t.Fatalf("list alert indexes: %v", err)
	}
	var bucket bool
	for _, spec := range specs {
		if strings.Contains(spec.Name, "dedup_bucket") {
			bucket = true
			if spec.Unique == nil || !*spec.Unique {
				t.Errorf("index %s should be unique", spec.Name)
			}
		}
	}
	if !bucket {
		t.Error("missing (sensor_id, type, dedup_bucket) index")
	}
}

func TestMongoStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewMongoStore(ctx, "mongodb://127.0.0.1:1/?serverSelectionTimeoutMS=200", "emads"); err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
}
