package dcb_test

import (
	"sync"

	"eventline/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type walletOpened struct {
	WalletID string `json:"wallet_id"`
	Balance  int    `json:"balance"`
}

type moneyWithdrawn struct {
	WalletID string `json:"wallet_id"`
	Amount   int    `json:"amount"`
}

func openWallet(id string, balance int) dcb.InputEvent {
	return dcb.NewInputEvent("WalletOpened",
		dcb.NewTags("wallet_id", id),
		toJSON(walletOpened{WalletID: id, Balance: balance}))
}

func withdraw(id string, amount int) dcb.InputEvent {
	return dcb.NewInputEvent("MoneyWithdrawn",
		dcb.NewTags("wallet_id", id),
		toJSON(moneyWithdrawn{WalletID: id, Amount: amount}))
}

// countEvents returns the total number of events in the log.
func countEvents() int {
	var n int
	err := pool.QueryRow(suiteCtx, "SELECT count(*) FROM events").Scan(&n)
	Expect(err).NotTo(HaveOccurred())
	return n
}

var _ = Describe("Append", func() {
	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
	})

	It("assigns strictly increasing positions in commit order", func() {
		c1, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())

		c2, err := store.Append(suiteCtx, []dcb.InputEvent{withdraw("w1", 10)})
		Expect(err).NotTo(HaveOccurred())

		Expect(c1.Before(c2)).To(BeTrue())
	})

	It("gives all events of one batch the same transaction id and consecutive positions", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			openWallet("w1", 100),
			openWallet("w2", 200),
			openWallet("w3", 300),
		})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.ReadAll(suiteCtx, dcb.NewQuery(nil, "WalletOpened"), dcb.ReadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))

		for i := 1; i < len(events); i++ {
			Expect(events[i].TransactionID).To(Equal(events[0].TransactionID))
			Expect(events[i].Position).To(Equal(events[i-1].Position + 1))
		}
	})

	It("rejects an empty batch", func() {
		_, err := store.Append(suiteCtx, nil)
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("rejects events with empty type or duplicate tag keys", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{{Type: ""}})
		Expect(dcb.IsValidationError(err)).To(BeTrue())

		_, err = store.Append(suiteCtx, []dcb.InputEvent{
			dcb.NewInputEvent("T", dcb.NewTags("k", "a", "k", "b"), nil),
		})
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})

var _ = Describe("AppendIf", func() {
	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
	})

	It("opens a wallet once and reports the second attempt as idempotent", func() {
		idempotency := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "WalletOpened")
		condition := dcb.AppendCondition{Idempotency: &idempotency}

		_, err := store.AppendIf(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)}, condition)
		Expect(err).NotTo(HaveOccurred())
		Expect(countEvents()).To(Equal(1))

		_, err = store.AppendIf(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)}, condition)
		Expect(dcb.IsIdempotencyError(err)).To(BeTrue())
		Expect(countEvents()).To(Equal(1), "idempotent retry must not append")
	})

	It("fails with a concurrency error when events matching the query committed past the cursor", func() {
		walletQ := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"))

		cursor, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())

		// Another writer advances the wallet past our cursor.
		_, err = store.Append(suiteCtx, []dcb.InputEvent{withdraw("w1", 10)})
		Expect(err).NotTo(HaveOccurred())

		_, err = store.AppendIf(suiteCtx, []dcb.InputEvent{withdraw("w1", 80)},
			dcb.AppendCondition{FailIfEventsMatch: walletQ, After: cursor})
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())

		conflict, ok := dcb.AsConcurrencyError(err)
		Expect(ok).To(BeTrue())
		Expect(conflict.MatchingEvents).To(BeNumerically(">", 0))
	})

	It("checks idempotency before consistency", func() {
		cursor, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(suiteCtx, []dcb.InputEvent{withdraw("w1", 10)})
		Expect(err).NotTo(HaveOccurred())

		// Both clauses would match: the withdrawal already exists (idempotency)
		// and it also committed past the cursor (consistency). The duplicate
		// diagnosis must win.
		idempotency := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"), "MoneyWithdrawn")
		_, err = store.AppendIf(suiteCtx, []dcb.InputEvent{withdraw("w1", 10)},
			dcb.AppendCondition{
				FailIfEventsMatch: dcb.NewQuery(dcb.NewTags("wallet_id", "w1")),
				After:             cursor,
				Idempotency:       &idempotency,
			})
		Expect(dcb.IsIdempotencyError(err)).To(BeTrue())
		Expect(dcb.IsConcurrencyError(err)).To(BeFalse())
	})

	It("runs the checks without appending when the events slice is empty", func() {
		cursor, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())

		probe, err := store.AppendIf(suiteCtx, nil,
			dcb.AppendCondition{FailIfEventsMatch: dcb.NewQuery(dcb.NewTags("wallet_id", "w2")), After: cursor})
		Expect(err).NotTo(HaveOccurred())
		Expect(probe).To(Equal(cursor))
		Expect(countEvents()).To(Equal(1))
	})

	It("lets exactly one of two concurrent conflicting appends commit", func() {
		walletQ := dcb.NewQuery(dcb.NewTags("wallet_id", "w1"))
		cursor, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())

		// Two writers each saw balance 100 as of cursor and each propose an
		// 80 withdrawal guarded by the same decision model.
		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer GinkgoRecover()
				_, results[i] = store.AppendIf(suiteCtx, []dcb.InputEvent{withdraw("w1", 80)},
					dcb.AppendCondition{FailIfEventsMatch: walletQ, After: cursor})
			}(i)
		}
		wg.Wait()

		succeeded, conflicted := 0, 0
		for _, err := range results {
			switch {
			case err == nil:
				succeeded++
			case dcb.IsConcurrencyError(err):
				conflicted++
			default:
				Fail("unexpected error: " + err.Error())
			}
		}
		Expect(succeeded).To(Equal(1))
		Expect(conflicted).To(Equal(1))
		Expect(countEvents()).To(Equal(2), "open + exactly one withdrawal")
	})
})

var _ = Describe("Read", func() {
	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
	})

	It("returns nothing for the empty query", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.ReadAll(suiteCtx, dcb.Query{}, dcb.ReadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("only returns events past the cursor", func() {
		cursor, err := store.Append(suiteCtx, []dcb.InputEvent{openWallet("w1", 100)})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(suiteCtx, []dcb.InputEvent{withdraw("w1", 10), withdraw("w1", 20)})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.ReadAll(suiteCtx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")),
			dcb.ReadOptions{After: &cursor})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		for _, e := range events {
			Expect(cursor.Before(e.Cursor())).To(BeTrue())
		}
	})

	It("applies the limit", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			withdraw("w1", 1), withdraw("w1", 2), withdraw("w1", 3),
		})
		Expect(err).NotTo(HaveOccurred())

		limit := 2
		events, err := store.ReadAll(suiteCtx, dcb.NewQuery(nil, "MoneyWithdrawn"),
			dcb.ReadOptions{Limit: &limit})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})

	It("streams events through a channel in order", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			withdraw("w1", 1), withdraw("w1", 2), withdraw("w1", 3),
		})
		Expect(err).NotTo(HaveOccurred())

		ch, err := store.ReadChannel(suiteCtx, dcb.NewQuery(nil, "MoneyWithdrawn"), dcb.ReadOptions{})
		Expect(err).NotTo(HaveOccurred())

		var positions []int64
		for e := range ch {
			positions = append(positions, e.Position)
		}
		Expect(positions).To(HaveLen(3))
		for i := 1; i < len(positions); i++ {
			Expect(positions[i]).To(BeNumerically(">", positions[i-1]))
		}
	})

	It("preserves tags and payload through storage", func() {
		in := dcb.NewInputEvent("StudentSubscribed",
			dcb.NewTags("course_id", "c1", "student_id", "s1"),
			toJSON(map[string]string{"course_id": "c1", "student_id": "s1"}))
		_, err := store.Append(suiteCtx, []dcb.InputEvent{in})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.ReadAll(suiteCtx, dcb.NewQuery(nil, "StudentSubscribed"), dcb.ReadOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Data).To(Equal(in.Data))
		Expect(dcb.TagsToArray(events[0].Tags)).To(Equal(dcb.TagsToArray(in.Tags)))
	})
})
