//go:build integration

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package store_test

import (
	"context"
	"encoding/json"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/projector"
	"github.com/puzzlehub/puzzlehub/internal/store"
)

var _ = Describe("PostgresEventStore against a real database", Ordered, func() {
	var (
		ctx         context.Context
		pgContainer *postgres.PostgresContainer
		connStr     string
		es          *store.PostgresEventStore
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

		es, err = store.NewPostgresEventStore(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if es != nil {
			es.Close()
		}
		if pgContainer != nil {
			Expect(pgContainer.Terminate(ctx)).To(Succeed())
		}
	})

	// P1 (monotonicity): concurrent appenders on the same stream must still
	// produce a gap-free [1..N] sequence once the serialization-failure
	// retry loop settles every race.
	Describe("concurrent appenders on one stream", func() {
		It("produce a contiguous seq with no gaps or duplicates", func() {
			gid := "prop-p1-" + ginkgoRandomSuffix()
			const writers = 12

			var wg sync.WaitGroup
			wg.Add(writers)
			for i := 0; i < writers; i++ {
				go func(n int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := es.Append(ctx, eventlog.StreamGame, gid, eventlog.EventCellFill,
						[]byte(`{"row":0,"col":0,"value":"X"}`), nil, int64(1000+n), 1)
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()

			events, err := es.Read(ctx, eventlog.StreamGame, gid, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(writers))

			seqs := make([]int64, len(events))
			for i, ev := range events {
				seqs[i] = ev.Seq
			}
			for i, seq := range seqs {
				Expect(seq).To(Equal(int64(i + 1)))
			}
		})
	})

	// P3 (snapshot equivalence): folding the full event list must equal
	// resuming a snapshot taken at a prefix plus the remaining tail.
	Describe("snapshot equivalence", func() {
		It("Project(E) == Project(snapshot_at_k, E[k+1:])", func() {
			gid := "prop-p3-" + ginkgoRandomSuffix()

			create, err := es.Append(ctx, eventlog.StreamGame, gid, eventlog.EventCreate, mustMarshalCreate(), nil, 1000, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(create.Seq).To(Equal(int64(1)))

			for i, fill := range []projector.CellFillPayload{
				{Row: 0, Col: 0, Value: "C"},
				{Row: 0, Col: 1, Value: "A"},
				{Row: 0, Col: 2, Value: "T"},
				{Row: 2, Col: 0, Value: "D"},
			} {
				payload, err := json.Marshal(fill)
				Expect(err).NotTo(HaveOccurred())
				_, err = es.Append(ctx, eventlog.StreamGame, gid, eventlog.EventCellFill, payload, nil, int64(1100+i*10), 1)
				Expect(err).NotTo(HaveOccurred())
			}

			allEvents, err := es.Read(ctx, eventlog.StreamGame, gid, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(allEvents).To(HaveLen(5))

			full, err := projector.ProjectGame(allEvents)
			Expect(err).NotTo(HaveOccurred())

			const k = 3
			prefixState, err := projector.ProjectGame(allEvents[:k])
			Expect(err).NotTo(HaveOccurred())
			snapData, err := json.Marshal(prefixState)
			Expect(err).NotTo(HaveOccurred())

			snapshotSeq := allEvents[k-1].Seq
			Expect(es.UpsertSnapshot(ctx, eventlog.StreamGame, gid, snapData, snapshotSeq)).To(Succeed())

			snap, err := es.GetSnapshot(ctx, eventlog.StreamGame, gid)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).NotTo(BeNil())

			tail, err := es.Read(ctx, eventlog.StreamGame, gid, snap.SnapshotSeq+1, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(tail).To(HaveLen(5 - k))

			resumed, err := projector.ProjectGameFromSnapshot(snap, tail)
			Expect(err).NotTo(HaveOccurred())

			Expect(resumed).To(Equal(full))
		})
	})
})

func mustMarshalCreate() []byte {
	payload, err := json.Marshal(projector.CreatePayload{
		PID:  "prop-puzzle",
		Info: projector.PuzzleInfo{Title: "Property Puzzle", Author: "Suite"},
		Solution: [][]string{
			{"C", "A", "T"},
			{"", "R", ""},
			{"D", "O", "G"},
		},
		Clues: projector.Clues{
			Across: map[string]string{"1": "Feline"},
			Down:   map[string]string{"1": "Not dog"},
		},
	})
	if err != nil {
		panic(err)
	}
	return payload
}

// ginkgoRandomSuffix gives each spec its own stream id so reruns within the
// same container don't collide on a prior run's rows.
func ginkgoRandomSuffix() string {
	return GinkgoT().Name()
}
