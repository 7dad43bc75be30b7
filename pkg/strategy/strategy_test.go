package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	sharederrors "github.com/melodydashora/vecto-pilot/pkg/shared/errors"
	"github.com/melodydashora/vecto-pilot/pkg/snapshot"
)

func notFoundStrategy(id string) error {
	return sharederrors.NotFoundf(sharederrors.ErrStrategyNotFound, "strategy", id)
}

func notFoundSnapshot(id string) error {
	return sharederrors.NotFoundf(sharederrors.ErrSnapshotNotFound, "snapshot", id)
}

const snapID = "550e8400-e29b-41d4-a716-446655440000"

var _ = Describe("SmartMerge", func() {
	It("should never transition a field from non-empty to empty", func() {
		existing := &Briefing{
			SnapshotID:   snapID,
			LocalTraffic: "Sam Rayburn Tollway congested northbound",
			Events:       []string{"FC Dallas home match 7:30 PM"},
			Citations:    []string{"https://example.com/a"},
		}
		incoming := &Briefing{SnapshotID: snapID, News: "Concert traffic expected downtown"}

		merged := SmartMerge(existing, incoming)

		Expect(merged.LocalTraffic).To(Equal(existing.LocalTraffic))
		Expect(merged.Events).To(Equal(existing.Events))
		Expect(merged.Citations).To(Equal(existing.Citations))
		Expect(merged.News).To(Equal("Concert traffic expected downtown"))
	})

	It("should treat placeholder stubs as empty", func() {
		existing := &Briefing{SnapshotID: snapID, SchoolClosures: "Frisco ISD closed Monday"}
		incoming := &Briefing{SnapshotID: snapID, SchoolClosures: "N/A"}

		merged := SmartMerge(existing, incoming)
		Expect(merged.SchoolClosures).To(Equal("Frisco ISD closed Monday"))
	})

	It("should replace fields when the incoming value is real", func() {
		existing := &Briefing{SnapshotID: snapID, LocalTraffic: "old"}
		incoming := &Briefing{SnapshotID: snapID, LocalTraffic: "US-380 closed at Custer"}

		merged := SmartMerge(existing, incoming)
		Expect(merged.LocalTraffic).To(Equal("US-380 closed at Custer"))
	})

	It("should not mutate its inputs", func() {
		existing := &Briefing{SnapshotID: snapID, News: "keep"}
		incoming := &Briefing{SnapshotID: snapID}

		_ = SmartMerge(existing, incoming)
		Expect(incoming.News).To(Equal(""))
		Expect(existing.News).To(Equal("keep"))
	})

	It("should handle nil inputs", func() {
		b := &Briefing{SnapshotID: snapID}
		Expect(SmartMerge(nil, b)).To(Equal(b))
		Expect(SmartMerge(b, nil)).To(Equal(b))
	})
})

var _ = Describe("LockKey", func() {
	It("should be stable for the same snapshot id", func() {
		Expect(LockKey(snapID)).To(Equal(LockKey(snapID)))
	})

	It("should differ across snapshot ids", func() {
		Expect(LockKey(snapID)).ToNot(Equal(LockKey("650e8400-e29b-41d4-a716-446655440000")))
	})
})

var _ = Describe("Runner", func() {
	var (
		client    *fakeLLM
		store     *fakeStore
		snapshots *fakeSnapshots
		runner    *Runner
		ctx       context.Context
	)

	BeforeEach(func() {
		client = newFakeLLM()
		store = newFakeStore()
		snapshots = newFakeSnapshots()
		snapshots.contexts[snapID] = friscoContext(snapID)
		runner = NewRunner(client, snapshots, store, testLogger())
		ctx = context.Background()

		Expect(store.EnsureRow(ctx, snapID, TriggerInitial)).To(Succeed())
	})

	Describe("RunMinStrategy", func() {
		It("should persist the trimmed strategist output with resolved location", func() {
			client.set(llm.RoleStrategist, &llm.Response{Ok: true, Output: "  Head to Legacy West by 7 PM.  "})

			Expect(runner.RunMinStrategy(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.MinStrategy.String).To(Equal("Head to Legacy West by 7 PM."))
			Expect(row.UserResolvedAddress.String).To(Equal("123 Main St, Frisco, TX"))
			Expect(row.UserResolvedCity.String).To(Equal("Frisco"))
			Expect(row.Status).To(Equal(StatusComplete))
			Expect(row.StrategyTimestamp.Valid).To(BeTrue())
		})

		It("should surface provider failure without touching the row", func() {
			client.set(llm.RoleStrategist, &llm.Response{Ok: false, Err: "boom"})

			Expect(runner.RunMinStrategy(ctx, snapID)).To(HaveOccurred())

			row, _ := store.Get(ctx, snapID)
			Expect(row.MinStrategy.Valid).To(BeFalse())
			Expect(row.Status).To(Equal(StatusPending))
		})

		It("should mark write_failed when persistence fails", func() {
			client.set(llm.RoleStrategist, &llm.Response{Ok: true, Output: "go north"})
			store.saveErr = errors.New("disk full")

			Expect(runner.RunMinStrategy(ctx, snapID)).To(HaveOccurred())

			store.saveErr = nil
			row, _ := store.Get(ctx, snapID)
			Expect(row.Status).To(Equal(StatusWriteFailed))
			Expect(row.ErrorMessage.String).To(ContainSubstring("disk full"))
		})
	})

	Describe("RunHolidayCheck", func() {
		It("should patch the snapshot and denormalize the holiday", func() {
			client.set(llm.RoleHoliday, &llm.Response{Ok: true, Output: "Independence Day"})

			Expect(runner.RunHolidayCheck(ctx, snapID)).To(Succeed())

			sc, _ := snapshots.GetContext(ctx, snapID)
			Expect(sc.Holiday).To(Equal("Independence Day"))
			Expect(sc.IsHoliday).To(BeTrue())

			row, _ := store.Get(ctx, snapID)
			Expect(row.Holiday.String).To(Equal("Independence Day"))
		})

		It("should record a non-holiday without denormalizing", func() {
			client.set(llm.RoleHoliday, &llm.Response{Ok: true, Output: "none"})

			Expect(runner.RunHolidayCheck(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.Holiday.Valid).To(BeFalse())
		})

		It("should treat provider failure as non-fatal", func() {
			client.set(llm.RoleHoliday, &llm.Response{Ok: false, Err: "timeout"})

			Expect(runner.RunHolidayCheck(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.Holiday.Valid).To(BeFalse())
		})
	})

	Describe("RunBriefing", func() {
		It("should parse the structured payload", func() {
			client.set(llm.RoleBriefer, &llm.Response{Ok: true, Output: `{
				"global_travel": "normal",
				"domestic_travel": "DFW delays 30m",
				"local_traffic": "DNT slow at Gaylord",
				"weather_impacts": "none",
				"events_nearby": "FC Dallas match tonight",
				"rideshare_intel": "surge near Toyota Stadium",
				"citations": ["https://example.com/s"]
			}`})

			Expect(runner.RunBriefing(ctx, snapID)).To(Succeed())

			b, _ := store.GetBriefing(ctx, snapID)
			Expect(b).ToNot(BeNil())
			Expect(b.LocalTraffic).To(Equal("DNT slow at Gaylord"))
			Expect(b.RideshareIntel).To(Equal("surge near Toyota Stadium"))
			Expect(b.Citations).To(ContainElement("https://example.com/s"))
			Expect(b.WeatherCurrent).To(ContainSubstring("58"))
		})

		It("should store unparsable output in local_traffic", func() {
			client.set(llm.RoleBriefer, &llm.Response{Ok: true, Output: "plain prose, not json"})

			Expect(runner.RunBriefing(ctx, snapID)).To(Succeed())

			b, _ := store.GetBriefing(ctx, snapID)
			Expect(b.LocalTraffic).To(Equal("plain prose, not json"))
			Expect(b.GlobalTravel).To(Equal(""))
		})

		It("should fail without writing when the briefer call fails", func() {
			client.set(llm.RoleBriefer, &llm.Response{Ok: false, Err: "503"})

			Expect(runner.RunBriefing(ctx, snapID)).To(HaveOccurred())

			b, _ := store.GetBriefing(ctx, snapID)
			Expect(b).To(BeNil())
		})

		It("should preserve existing fields through smart merge", func() {
			Expect(store.UpsertBriefing(ctx, &Briefing{
				SnapshotID:   snapID,
				LocalTraffic: "existing traffic intel",
			})).To(Succeed())

			client.set(llm.RoleBriefer, &llm.Response{Ok: true, Output: `{"rideshare_intel": "new intel"}`})

			Expect(runner.RunBriefing(ctx, snapID)).To(Succeed())

			b, _ := store.GetBriefing(ctx, snapID)
			Expect(b.LocalTraffic).To(Equal("existing traffic intel"))
			Expect(b.RideshareIntel).To(Equal("new intel"))
		})

		It("should coalesce concurrent invocations per snapshot", func() {
			client.set(llm.RoleBriefer, &llm.Response{Ok: true, Output: `{"rideshare_intel": "x"}`})

			// Gate the snapshot read so the second call arrives while the
			// first assembly is still in flight.
			gated := &gatedSnapshots{inner: snapshots, arrived: make(chan struct{}), release: make(chan struct{})}
			runner = NewRunner(client, gated, store, testLogger())

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = runner.RunBriefing(context.Background(), snapID)
			}()

			<-gated.arrived
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = runner.RunBriefing(context.Background(), snapID)
			}()
			time.Sleep(20 * time.Millisecond)
			close(gated.release)
			wg.Wait()

			// One shared assembly: the main briefer call plus four secondaries.
			Expect(client.callCount(llm.RoleBriefer)).To(Equal(5))
		})
	})
})

var _ = Describe("Consolidator", func() {
	var (
		client       *fakeLLM
		store        *fakeStore
		consolidator *Consolidator
		ctx          context.Context
	)

	seedReady := func() {
		Expect(store.EnsureRow(ctx, snapID, TriggerInitial)).To(Succeed())
		Expect(store.SaveMinStrategy(ctx, snapID,
			"Reposition north toward the stadium by 7:15 PM",
			"123 Main St, Frisco, TX", "Frisco", "TX")).To(Succeed())
		Expect(store.UpsertBriefing(ctx, &Briefing{
			SnapshotID:     snapID,
			RideshareIntel: "surge expected",
		})).To(Succeed())
	}

	BeforeEach(func() {
		client = newFakeLLM()
		store = newFakeStore()
		consolidator = NewConsolidator(client, store, testLogger())
		ctx = context.Background()
	})

	Context("when the strategy row is missing", func() {
		It("should return silently", func() {
			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())
		})
	})

	Context("when role outputs are missing", func() {
		It("should record the failed readiness check", func() {
			Expect(store.EnsureRow(ctx, snapID, TriggerInitial)).To(Succeed())
			Expect(store.SaveMinStrategy(ctx, snapID, "only strategist", "addr", "Frisco", "TX")).To(Succeed())

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.Status).To(Equal(StatusPending))
			Expect(row.ErrorMessage.String).To(Equal("missing role outputs"))
			Expect(store.consolidatedWrites).To(Equal(0))
		})
	})

	Context("when both outputs are present", func() {
		BeforeEach(seedReady)

		It("should persist the consolidated output under the lock", func() {
			client.set(llm.RoleConsolidator, &llm.Response{Ok: true, Output: "Stage at Toyota Stadium lot E."})

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.ConsolidatedStrategy.String).To(Equal("Stage at Toyota Stadium lot E."))
			Expect(row.Status).To(Equal(StatusOK))
			Expect(store.locked[snapID]).To(BeFalse(), "lock must be released")
		})

		It("should degrade to the strategist output on a failed consolidator call", func() {
			client.set(llm.RoleConsolidator, &llm.Response{Ok: false, Err: "upstream 500"})

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.ConsolidatedStrategy.String).To(Equal("Reposition north toward the stadium by 7:15 PM"))
			Expect(row.Status).To(Equal(StatusOK))
		})

		It("should return silently when the advisory lock is held elsewhere", func() {
			store.lockDenied = true

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())

			row, _ := store.Get(ctx, snapID)
			Expect(row.Consolidated()).To(BeFalse())
			Expect(store.consolidatedWrites).To(Equal(0))
		})

		It("should be idempotent once consolidated", func() {
			client.set(llm.RoleConsolidator, &llm.Response{Ok: true, Output: "final"})

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())
			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(Succeed())

			Expect(store.consolidatedWrites).To(Equal(1))
			Expect(client.callCount(llm.RoleConsolidator)).To(Equal(1))
		})

		It("should mark the row failed when persistence fails", func() {
			client.set(llm.RoleConsolidator, &llm.Response{Ok: true, Output: "final"})
			store.saveErr = errors.New("connection lost")

			Expect(consolidator.MaybeConsolidate(ctx, snapID)).To(HaveOccurred())

			store.saveErr = nil
			row, _ := store.Get(ctx, snapID)
			Expect(row.Status).To(Equal(StatusFailed))
			Expect(row.ErrorMessage.String).To(ContainSubstring("connection lost"))
		})
	})
})

var _ = Describe("Orchestrator", func() {
	var (
		client       *fakeLLM
		store        *fakeStore
		snapshots    *fakeSnapshots
		orchestrator *Orchestrator
		ctx          context.Context
	)

	BeforeEach(func() {
		client = newFakeLLM()
		store = newFakeStore()
		snapshots = newFakeSnapshots()
		snapshots.contexts[snapID] = friscoContext(snapID)
		runner := NewRunner(client, snapshots, store, testLogger())
		orchestrator = NewOrchestrator(runner, store, snapshots, testLogger())
		ctx = context.Background()

		client.set(llm.RoleStrategist, &llm.Response{Ok: true, Output: "go"})
		client.set(llm.RoleBriefer, &llm.Response{Ok: true, Output: `{"rideshare_intel": "x"}`})
		client.set(llm.RoleHoliday, &llm.Response{Ok: true, Output: "none"})
	})

	Describe("Admit", func() {
		It("should reject a non-UUID snapshot id", func() {
			_, err := orchestrator.Admit(ctx, "not-a-uuid")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("snapshot_id"))
		})

		It("should admit the first request and kick all three runners", func() {
			result, err := orchestrator.Admit(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Admitted).To(BeTrue())
			Expect(result.Kicked).To(Equal([]string{"holiday", "minstrategy", "briefing"}))

			orchestrator.Wait()

			row, _ := store.Get(ctx, snapID)
			Expect(row.MinStrategy.String).To(Equal("go"))
			b, _ := store.GetBriefing(ctx, snapID)
			Expect(b).ToNot(BeNil())
			Expect(store.jobs[snapID]).To(Equal(JobDone))
		})

		It("should not re-admit while a triad job exists", func() {
			first, err := orchestrator.Admit(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Admitted).To(BeTrue())

			second, err := orchestrator.Admit(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(second.Admitted).To(BeFalse())
			Expect(second.Status).To(Equal(JobQueued))
			Expect(second.Kicked).To(BeEmpty())

			orchestrator.Wait()
		})

		It("should finish the triad job in error state when a runner fails", func() {
			client.set(llm.RoleStrategist, &llm.Response{Ok: false, Err: "down"})

			_, err := orchestrator.Admit(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			orchestrator.Wait()

			Expect(store.jobs[snapID]).To(Equal(JobError))
		})
	})

	Describe("Retry", func() {
		It("should clone the snapshot and reseed the pipeline", func() {
			newID, err := orchestrator.Retry(ctx, snapID)
			Expect(err).ToNot(HaveOccurred())
			Expect(newID).ToNot(Equal(snapID))

			orchestrator.Wait()

			Expect(snapshots.cloned[newID]).To(Equal(snapID))

			cloned, _ := snapshots.GetContext(ctx, newID)
			Expect(cloned.City).To(Equal("Frisco"))
			Expect(cloned.Timezone).To(Equal("America/Chicago"))

			row, err := store.Get(ctx, newID)
			Expect(err).ToNot(HaveOccurred())
			Expect(row.TriggerReason.String).To(Equal(TriggerRetry))
		})

		It("should error when the original snapshot is missing", func() {
			_, err := orchestrator.Retry(ctx, "650e8400-e29b-41d4-a716-446655440000")
			Expect(err).To(MatchError(sharederrors.ErrSnapshotNotFound))
		})
	})
})

// gatedSnapshots signals when GetContext is first entered and holds it
// until released, forcing two RunBriefing calls to overlap.
type gatedSnapshots struct {
	inner   SnapshotSource
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSnapshots) GetContext(ctx context.Context, id string) (*snapshot.Context, error) {
	g.once.Do(func() { close(g.arrived) })
	<-g.release
	return g.inner.GetContext(ctx, id)
}

func (g *gatedSnapshots) PatchHoliday(ctx context.Context, id, holiday string, isHoliday bool) error {
	return g.inner.PatchHoliday(ctx, id, holiday, isHoliday)
}

func (g *gatedSnapshots) Clone(ctx context.Context, originalID, newID string, now time.Time) error {
	return g.inner.Clone(ctx, originalID, newID, now)
}
