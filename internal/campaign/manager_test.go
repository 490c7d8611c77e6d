package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flaviompe/courierd/internal/queue"
)

func newTestManager(t *testing.T) (*Manager, *queue.Manager) {
	t.Helper()

	q := queue.NewManager(queue.NewMemoryStorage(), queue.DefaultConfig())
	t.Cleanup(func() { q.Close() })
	return NewManager(q), q
}

func recipients(emails ...string) []Recipient {
	out := make([]Recipient, len(emails))
	for i, e := range emails {
		out[i] = Recipient{Email: e}
	}
	return out
}

func TestCreateDefaults(t *testing.T) {
	m, _ := newTestManager(t)

	c, err := m.Create(CreateSpec{Name: "Q1 Promo", TemplateID: "tpl-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatusDraft, c.Status)
	assert.Equal(t, 0, c.RecipientCount)
	assert.True(t, c.Settings.TrackOpens)
	assert.True(t, c.Settings.TrackClicks)
	assert.True(t, c.Settings.SuppressBounces)
	assert.Equal(t, 100, c.Settings.BatchSize)
	assert.Equal(t, 60*time.Second, c.Settings.DelayBetweenBatches)
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(CreateSpec{TemplateID: "tpl-1"})
	assert.Error(t, err, "name is required")

	_, err = m.Create(CreateSpec{Name: "No Template"})
	assert.Error(t, err, "template id is required")
}

func TestCreateMergesSettings(t *testing.T) {
	m, _ := newTestManager(t)

	batch := 2
	delay := time.Duration(0)
	c, err := m.Create(CreateSpec{
		Name:       "Custom",
		TemplateID: "tpl-1",
		Settings:   SettingsPatch{BatchSize: &batch, DelayBetweenBatches: &delay},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Settings.BatchSize)
	assert.Equal(t, time.Duration(0), c.Settings.DelayBetweenBatches)
	// Untouched settings keep their defaults.
	assert.True(t, c.Settings.TrackOpens)
}

func TestUpdatePartialMerge(t *testing.T) {
	m, _ := newTestManager(t)

	c, _ := m.Create(CreateSpec{Name: "Before", TemplateID: "tpl-1"})

	name := "After"
	tracking := false
	ok := m.Update(c.ID, Update{
		Name:     &name,
		Settings: SettingsPatch{TrackOpens: &tracking},
	})
	require.True(t, ok)

	got, _ := m.Get(c.ID)
	assert.Equal(t, "After", got.Name)
	assert.False(t, got.Settings.TrackOpens)
	assert.Equal(t, 100, got.Settings.BatchSize, "unpatched settings survive")

	assert.False(t, m.Update("missing", Update{Name: &name}))
}

func TestStartMaterializesJobs(t *testing.T) {
	m, q := newTestManager(t)

	c, _ := m.Create(CreateSpec{Name: "Launch", TemplateID: "tpl-1", Subject: "Hi"})

	n, err := m.Start(c.ID, recipients("a@example.com", "b@example.com", "c@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 3, got.RecipientCount)

	jobs, total, err := q.List(queue.ListFilter{CampaignID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, job := range jobs {
		assert.Equal(t, c.ID, job.CampaignID)
		assert.Equal(t, "tpl-1", job.TemplateID)
		assert.Equal(t, "Hi", job.Subject)
	}
}

func TestStartAppliesBatchSettings(t *testing.T) {
	m, q := newTestManager(t)

	batch := 2
	delay := time.Duration(0)
	c, _ := m.Create(CreateSpec{
		Name:       "Q1 Promo",
		TemplateID: "tpl-1",
		Settings:   SettingsPatch{BatchSize: &batch, DelayBetweenBatches: &delay},
	})

	_, err := m.Start(c.ID, recipients("a@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, q.Config().BatchSize)
}

func TestStartRejectsWrongStatus(t *testing.T) {
	m, _ := newTestManager(t)

	c, _ := m.Create(CreateSpec{Name: "Once", TemplateID: "tpl-1"})
	_, err := m.Start(c.ID, recipients("a@example.com"))
	require.NoError(t, err)

	_, err = m.Start(c.ID, recipients("b@example.com"))
	assert.Error(t, err, "running campaigns cannot start again")

	_, err = m.Start("missing", recipients("a@example.com"))
	assert.Error(t, err)

	c2, _ := m.Create(CreateSpec{Name: "Empty", TemplateID: "tpl-1"})
	_, err = m.Start(c2.ID, nil)
	assert.Error(t, err, "a start needs recipients")
}

func TestPauseResumeGate(t *testing.T) {
	m, _ := newTestManager(t)

	c, _ := m.Create(CreateSpec{Name: "Pausable", TemplateID: "tpl-1"})
	m.Start(c.ID, recipients("a@example.com"))

	assert.True(t, m.Dispatchable(c.ID))

	require.True(t, m.Pause(c.ID))
	assert.False(t, m.Dispatchable(c.ID))
	assert.False(t, m.Pause(c.ID), "pause is only valid from running")

	require.True(t, m.Resume(c.ID))
	assert.True(t, m.Dispatchable(c.ID))
}

func TestDispatchableUnknownCampaign(t *testing.T) {
	m, _ := newTestManager(t)

	// Jobs may reference campaigns this manager never created.
	assert.True(t, m.Dispatchable("unknown-id"))
}

func TestScheduledCampaignPromotes(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	c, _ := m.Create(CreateSpec{Name: "Later", TemplateID: "tpl-1"})
	require.NoError(t, m.Schedule(c.ID, now.Add(time.Hour)))

	assert.False(t, m.Dispatchable(c.ID), "future schedule blocks dispatch")

	now = now.Add(2 * time.Hour)
	assert.True(t, m.Dispatchable(c.ID), "past schedule opens dispatch")

	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestJobSettledCompletesCampaign(t *testing.T) {
	m, q := newTestManager(t)

	c, _ := m.Create(CreateSpec{Name: "Finishing", TemplateID: "tpl-1"})
	m.Start(c.ID, recipients("a@example.com"))

	// Outstanding work keeps the campaign running.
	m.JobSettled(c.ID)
	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusRunning, got.Status)

	// Drain the queue, then settle.
	q.Clear(queue.ClearFilter{CampaignID: c.ID})
	m.JobSettled(c.ID)

	got, _ = m.Get(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestOwnedBy(t *testing.T) {
	m, _ := newTestManager(t)

	m.Create(CreateSpec{Name: "Mine", TemplateID: "tpl-1", CreatedBy: "u-1"})
	m.Create(CreateSpec{Name: "Also Mine", TemplateID: "tpl-2", CreatedBy: "u-1"})
	m.Create(CreateSpec{Name: "Theirs", TemplateID: "tpl-3", CreatedBy: "u-2"})

	assert.Len(t, m.OwnedBy("u-1"), 2)
	assert.Len(t, m.OwnedBy("u-2"), 1)
	assert.Empty(t, m.OwnedBy("u-3"))
}
