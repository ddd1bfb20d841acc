package scheduler_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/scheduler"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/sqlite"
	"github.com/cloacina-io/cloacina/internal/taskctx"
	"github.com/cloacina-io/cloacina/workflow"
)

func ginkgoMemStore() store.Store {
	db, err := sqlite.Connect(context.Background(), ":memory:")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { db.Close() })
	return sqlite.New(db)
}

func ginkgoSeed(st store.Store, wf *workflow.Workflow) ids.ID {
	var seeds []store.TaskSeed
	for _, id := range wf.Graph().TopologicalOrder() {
		task := wf.Tasks[id]
		seeds = append(seeds, store.TaskSeed{
			TaskID:           id,
			NamespacedTaskID: wf.Name + "." + id,
			Dependencies:     task.Dependencies,
			MaxAttempts:      task.Retry.MaxAttempts,
		})
	}
	pipelineID, err := st.CreatePipeline(context.Background(), wf.Name, wf.Fingerprint(), seeds, ids.JSON{}, "")
	Expect(err).NotTo(HaveOccurred())
	return pipelineID
}

var _ = Describe("pipeline pause/resume", func() {
	var (
		ctx        context.Context
		st         store.Store
		sch        *scheduler.Scheduler
		pipelineID ids.ID
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = ginkgoMemStore()

		b := workflow.NewBuilder("pauseable").WithMergePolicy(taskctx.LastWriterWins)
		b.AddTask(workflow.Task{ID: "only", Run: func(c taskctx.Context) (taskctx.Context, error) { return c, nil }})
		wf, err := b.Build()
		Expect(err).NotTo(HaveOccurred())

		pipelineID = ginkgoSeed(st, wf)
		sch = scheduler.New(st)
		sch.Track(pipelineID, wf)
	})

	It("stops advancing once paused and resumes from where it left off", func() {
		Expect(sch.Tick(ctx, pipelineID)).To(Succeed())

		pipeline, err := st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelineRunning))

		Expect(sch.Pause(ctx, pipelineID)).To(Succeed())
		pipeline, err = st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelinePaused))

		// Ticking a paused pipeline is a no-op: the single task stays Ready,
		// never claimed, and the pipeline does not complete out from under
		// the pause.
		Expect(sch.Tick(ctx, pipelineID)).To(Succeed())
		pipeline, err = st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelinePaused))

		Expect(sch.Resume(ctx, pipelineID)).To(Succeed())

		claimed, ok, err := st.ClaimReadyTask(ctx, "worker-1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(st.MarkCompleted(ctx, claimed.Task.ID, ids.JSON{})).To(Succeed())

		Expect(sch.Tick(ctx, pipelineID)).To(Succeed())
		pipeline, err = st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelineCompleted))
	})

	It("treats a second Pause as idempotent", func() {
		Expect(sch.Pause(ctx, pipelineID)).To(Succeed())
		Expect(sch.Pause(ctx, pipelineID)).To(Succeed())

		pipeline, err := st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelinePaused))
	})
})

var _ = Describe("custom trigger rules", func() {
	It("skips a downstream task whose Custom expression evaluates false against the merged context", func() {
		ctx := context.Background()
		st := ginkgoMemStore()

		b := workflow.NewBuilder("conditional").WithMergePolicy(taskctx.LastWriterWins)
		b.AddTask(workflow.Task{ID: "check", Run: func(c taskctx.Context) (taskctx.Context, error) {
			c.Insert("passed", false)
			return c, nil
		}})
		b.AddTask(workflow.Task{
			ID:           "gated",
			Dependencies: []string{"check"},
			Trigger:      workflow.Custom(".passed == true"),
			Run:          func(c taskctx.Context) (taskctx.Context, error) { return c, nil },
		})
		wf, err := b.Build()
		Expect(err).NotTo(HaveOccurred())

		pipelineID := ginkgoSeed(st, wf)
		sch := scheduler.New(st)
		sch.Track(pipelineID, wf)

		Expect(sch.Tick(ctx, pipelineID)).To(Succeed())
		claimed, ok, err := st.ClaimReadyTask(ctx, "worker-1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(claimed.Task.TaskID).To(Equal("check"))

		out := taskctx.Context{}
		out.Insert("passed", false)
		Expect(st.MarkCompleted(ctx, claimed.Task.ID, out.JSON())).To(Succeed())

		Expect(sch.Tick(ctx, pipelineID)).To(Succeed())

		tasks, err := st.ListTasks(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		var gated store.TaskExecution
		for _, ti := range tasks {
			if ti.TaskID == "gated" {
				gated = ti
			}
		}
		Expect(gated.Status).To(Equal(store.TaskSkipped))

		pipeline, err := st.GetPipeline(ctx, pipelineID)
		Expect(err).NotTo(HaveOccurred())
		Expect(pipeline.Status).To(Equal(store.PipelineCompleted))
	})
})
