// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/puzzlehub/puzzlehub/internal/catalog"
	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/hub"
	"github.com/puzzlehub/puzzlehub/internal/solve"
	"github.com/puzzlehub/puzzlehub/internal/store"
)

var _ = Describe("cross-component properties against a real database", Ordered, func() {
	var (
		ctx         context.Context
		pgContainer *postgres.PostgresContainer
		connStr     string
		pool        *pgxpool.Pool
	)

	BeforeAll(func() {
		ctx = context.Background()

		var err error
		pgContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("puzzlehub_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2)),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		defer migrator.Close()
		Expect(migrator.Up()).To(Succeed())

		pool, err = pgxpool.New(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if pgContainer != nil {
			Expect(pgContainer.Terminate(ctx)).To(Succeed())
		}
	})

	// P4 (solve idempotence): recording the same (pid, gid) solve
	// concurrently must still leave exactly one solve row and a single
	// times_solved increment.
	Describe("RecordSolve called repeatedly for the same (pid, gid)", func() {
		It("produces exactly one solve row and one times_solved increment", func() {
			pid := "prop-p4-" + GinkgoT().Name()
			gid := "game-" + pid

			_, err := pool.Exec(ctx, `INSERT INTO puzzles (pid, content) VALUES ($1, $2)`, pid, []byte(`{}`))
			Expect(err).NotTo(HaveOccurred())

			es := eventlog.NewMemoryEventStore()
			_, err = es.Append(ctx, eventlog.StreamGame, gid, eventlog.EventCreate,
				[]byte(fmt.Sprintf(`{"pid":%q,"info":{},"solution":[["A"]],"clues":{}}`, pid)), nil, 1000, 1)
			Expect(err).NotTo(HaveOccurred())

			catalogRepo := catalog.NewRepository(pool)
			svc := solve.NewService(es, pool, catalogRepo)

			const writers = 8
			var wg sync.WaitGroup
			results := make([]solve.Record, writers)
			errs := make([]error, writers)
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				go func(n int) {
					defer wg.Done()
					results[n], errs[n] = svc.RecordSolve(ctx, pid, gid, 42)
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			for i := 1; i < writers; i++ {
				Expect(results[i].ID).To(Equal(results[0].ID))
			}

			var count int
			Expect(pool.QueryRow(ctx, `SELECT count(*) FROM puzzle_solves WHERE pid = $1 AND gid = $2`, pid, gid).Scan(&count)).To(Succeed())
			Expect(count).To(Equal(1))

			var timesSolved int
			Expect(pool.QueryRow(ctx, `SELECT times_solved FROM puzzles WHERE pid = $1`, pid).Scan(&timesSolved)).To(Succeed())
			Expect(timesSolved).To(Equal(1))
		})
	})

	// P6 (fan-out): every one of K concurrent local subscribers receives an
	// event published on its stream, in persisted order.
	Describe("fan-out to concurrent subscribers", func() {
		It("delivers a published event to every local subscriber", func() {
			es, err := store.NewPostgresEventStore(ctx, connStr)
			Expect(err).NotTo(HaveOccurred())
			defer es.Close()

			h := hub.New(es, nil)
			rid := "prop-p6-" + GinkgoT().Name()

			const subscribers = 10
			subs := make([]*hub.Subscriber, subscribers)
			for i := range subs {
				subs[i] = h.Subscribe(ctx, eventlog.StreamRoom, rid)
			}

			payload, err := json.Marshal(struct {
				DisplayName string `json:"display_name"`
			}{DisplayName: "Ada"})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.Publish(ctx, eventlog.StreamRoom, rid, eventlog.EventUserJoin, payload, nil, 1)
			Expect(err).NotTo(HaveOccurred())

			for _, sub := range subs {
				Eventually(sub.Outbox()).Should(Receive(HaveField("Type", eventlog.EventUserJoin)))
			}
		})
	})

	// P7 (cross-instance): a subscriber on instance B must receive, via the
	// Postgres LISTEN/NOTIFY bus, an event published on instance A.
	Describe("cross-instance delivery over the notification bus", func() {
		It("delivers an event published on instance A to a subscriber on instance B", func() {
			esA, err := store.NewPostgresEventStore(ctx, connStr)
			Expect(err).NotTo(HaveOccurred())
			defer esA.Close()
			esB, err := store.NewPostgresEventStore(ctx, connStr)
			Expect(err).NotTo(HaveOccurred())
			defer esB.Close()

			poolA, err := pgxpool.New(ctx, connStr)
			Expect(err).NotTo(HaveOccurred())
			defer poolA.Close()
			poolB, err := pgxpool.New(ctx, connStr)
			Expect(err).NotTo(HaveOccurred())
			defer poolB.Close()

			notifierA := store.NewNotifier(connStr, poolA)
			notifierB := store.NewNotifier(connStr, poolB)

			hubA := hub.New(esA, notifierA)
			hubB := hub.New(esB, notifierB)

			rid := "prop-p7-" + GinkgoT().Name()
			sub := hubB.Subscribe(ctx, eventlog.StreamRoom, rid)

			payload, err := json.Marshal(struct {
				DisplayName string `json:"display_name"`
			}{DisplayName: "Grace"})
			Expect(err).NotTo(HaveOccurred())

			_, err = hubA.Publish(ctx, eventlog.StreamRoom, rid, eventlog.EventUserJoin, payload, nil, 1)
			Expect(err).NotTo(HaveOccurred())

			Eventually(sub.Outbox(), 2*time.Second).Should(Receive(HaveField("Type", eventlog.EventUserJoin)))
		})
	})
})
