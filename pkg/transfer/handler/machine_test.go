// Copyright 2018-2023 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package handler_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/opencloud-eu/transfermanager/pkg/errtypes"
	"github.com/opencloud-eu/transfermanager/pkg/transfer"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/handler"
	"github.com/opencloud-eu/transfermanager/pkg/transfer/messages"
)

var _ = Describe("Machine", func() {
	Describe("a store that succeeds", func() {
		It("walks parent lookup, create, pool selection and mover start", func() {
			d := newDriver(storeRequest())

			effs := d.handle(handler.Start{})
			call := singleCall(effs)
			Expect(call.Destination).To(Equal("PnfsManager"))
			Expect(call.Msg).To(Equal(&messages.GetFileMetadata{Path: "/data"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingParentLookup))
			Expect(find[handler.Persist](effs)).To(HaveLen(1))

			call = singleCall(d.answer(parentDir()))
			Expect(call.Msg).To(Equal(&messages.CreateEntry{Path: "/data/f", UID: uid, GID: gid, Mode: 0o644}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceCreate))

			call = singleCall(d.answer(createdEntry()))
			Expect(call.Destination).To(Equal("PoolManager"))
			sel := call.Msg.(*messages.SelectPool)
			Expect(sel.NamespaceID).To(Equal("0000FILE"))
			Expect(sel.Direction).To(Equal(transfer.Store))
			Expect(sel.Protocol.RemoteURL).To(Equal("gsiftp://remote.example.org/f"))
			Expect(d.m.State().Created).To(BeTrue())

			d.now = d.now.Add(10 * time.Second)
			call = singleCall(d.answer(&messages.SelectPool{Pool: "pool-a"}))
			Expect(call.Destination).To(Equal("pool-a"))
			start := call.Msg.(*messages.StartMover)
			Expect(start.Initiator).To(Equal("transfermanager:1"))
			Expect(start.IOQueue).To(Equal("wan"))
			Expect(start.TransferID).To(Equal(int64(1)))
			Expect(start.PreallocatedSpace).To(BeZero())

			d.now = d.now.Add(5 * time.Second)
			effs = d.answer(&messages.StartMover{MoverID: 7})
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(find[handler.Arm](effs)).To(Equal([]handler.Arm{{Timeout: time.Hour}}))
			Expect(find[handler.Done](effs)).To(BeEmpty())
			Expect(d.phase()).To(Equal(transfer.Active))
			Expect(*d.m.State().MoverID).To(Equal(int32(7)))

			d.now = d.now.Add(time.Minute)
			effs = d.handle(handler.Finished{Msg: &messages.TransferFinished{TransferID: 1, FileSize: 1 << 20}})
			Expect(find[handler.Disarm](effs)).To(HaveLen(1))
			done := doneOf(effs)
			Expect(done.Err).ToNot(HaveOccurred())
			Expect(done.Reply).To(Equal(&messages.TransferComplete{TransferID: 1}))
			Expect(done.Unclaim).To(Equal("0000FILE"))
			Expect(d.phase()).To(Equal(transfer.Succeeded))
			Expect(d.m.State().Terminal).To(BeTrue())

			bills := find[handler.Bill](effs)
			Expect(bills).To(HaveLen(1))
			Expect(bills[0].Record.Code).To(BeZero())
			Expect(bills[0].Record.Pool).To(Equal("pool-a"))
			Expect(bills[0].Record.QueuedTime).To(Equal(15 * time.Second))
			Expect(bills[0].Record.TransactionTime).To(Equal(time.Minute))

			persisted := find[handler.Persist](effs)
			Expect(persisted).To(HaveLen(1))
			Expect(persisted[0].Snapshot.Terminal).To(BeTrue())
		})

		It("fetches metadata when the create reply lacks it", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())

			call := singleCall(d.answer(&messages.CreateEntry{Path: "/data/f"}))
			Expect(call.Msg).To(Equal(&messages.GetFileMetadata{Path: "/data/f"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceLookup))

			call = singleCall(d.answer(&messages.GetFileMetadata{
				NamespaceID: "0000FILE",
				Metadata:    &transfer.FileMetadata{Owner: uid, Group: gid, Mode: 0o644},
			}))
			Expect(call.Msg).To(BeAssignableToTypeOf(&messages.SelectPool{}))
		})

		It("accepts a finished report that overtakes the mover start reply", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())
			d.answer(&messages.SelectPool{Pool: "pool-a"})

			effs := d.handle(handler.Finished{Msg: &messages.TransferFinished{TransferID: 1}})
			Expect(effs).To(BeEmpty())

			effs = d.answer(&messages.StartMover{MoverID: 3})
			Expect(doneOf(effs).Err).ToNot(HaveOccurred())
			Expect(d.phase()).To(Equal(transfer.Succeeded))
		})

		It("routes mover messages through the pool proxy", func() {
			d := newDriver(storeRequest())
			d.cfg.PoolProxy = "PoolProxy"
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())

			call := singleCall(d.answer(&messages.SelectPool{Pool: "pool-a"}))
			Expect(call.Destination).To(Equal("PoolProxy"))
			Expect(call.Msg.(*messages.StartMover).Pool).To(Equal("pool-a"))

			d.answer(&messages.StartMover{MoverID: 7})
			kills := find[handler.Notify](d.handle(handler.Cancel{Reason: errtypes.Canceled("operator")}))
			Expect(kills).To(Equal([]handler.Notify{{
				Destination: "PoolProxy",
				Msg:         &messages.KillMover{Pool: "pool-a", MoverID: 7},
			}}))
		})
	})

	Describe("a restore", func() {
		It("reads the file metadata and selects a pool", func() {
			d := newDriver(restoreRequest())
			call := singleCall(d.handle(handler.Start{}))
			Expect(call.Msg).To(Equal(&messages.GetFileMetadata{Path: "/data/f"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceLookup))

			call = singleCall(d.answer(existingFile(0o400)))
			sel := call.Msg.(*messages.SelectPool)
			Expect(sel.Direction).To(Equal(transfer.Restore))
			Expect(sel.Size).To(Equal(int64(1024)))
		})

		It("fails with permission denied and never deletes", func() {
			req := restoreRequest()
			req.UID = 101
			req.GID = 201
			d := newDriver(req)
			d.handle(handler.Start{})

			// world has no read bit although owner and group have
			effs := d.answer(existingFile(0o660))
			Expect(find[handler.Call](effs)).To(BeEmpty())
			done := doneOf(effs)
			_, ok := done.Err.(errtypes.IsPermissionDenied)
			Expect(ok).To(BeTrue())
			failed := done.Reply.(*messages.TransferFailed)
			Expect(failed.Code).To(Equal(errtypes.CodePermissionDenied))
			Expect(d.phase()).To(Equal(transfer.Failed))
			Expect(d.m.State().Created).To(BeFalse())
		})

		It("fails when the file does not exist", func() {
			d := newDriver(restoreRequest())
			d.handle(handler.Start{})
			done := doneOf(d.answer(withStatus(&messages.GetFileMetadata{}, 2, "no such file")))
			Expect(errtypes.Code(done.Err)).To(Equal(errtypes.CodeNamespaceError))
		})
	})

	Describe("store preconditions", func() {
		It("rejects relative paths without any call", func() {
			req := storeRequest()
			req.Path = "data/f"
			d := newDriver(req)
			effs := d.handle(handler.Start{})
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(errtypes.Code(doneOf(effs).Err)).To(Equal(errtypes.CodeBadRequest))
		})

		It("needs write and execute on the parent", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			parent := parentDir()
			parent.Metadata.Mode = 0o655
			effs := d.answer(parent)
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(errtypes.Code(doneOf(effs).Err)).To(Equal(errtypes.CodePermissionDenied))
		})

		It("refuses to overwrite a non-empty file unless allowed", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())
			entry := createdEntry()
			entry.Metadata.Size = 10

			call := singleCall(d.answer(entry))
			Expect(call.Msg).To(Equal(&messages.GetFileMetadata{Path: "/data/f"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
			Expect(errtypes.Code(d.m.Failure())).To(Equal(errtypes.CodePermissionDenied))

			d2 := newDriver(storeRequest())
			d2.cfg.Overwrite = true
			d2.handle(handler.Start{})
			d2.answer(parentDir())
			call = singleCall(d2.answer(entry))
			Expect(call.Msg).To(BeAssignableToTypeOf(&messages.SelectPool{}))
		})

		It("fails a second store of the same entry", func() {
			d := newDriver(storeRequest())
			d.claim = func(string) bool { return false }
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
			Expect(d.m.Failure()).To(MatchError(ContainSubstring("already being stored")))
		})
	})

	Describe("space reservations", func() {
		var d *driver

		BeforeEach(func() {
			req := storeRequest()
			req.SpaceToken = "token-1"
			req.SpaceStrict = true
			d = newDriver(req)
			d.handle(handler.Start{})
			d.answer(parentDir())
		})

		It("locks the reservation and uses its pool", func() {
			call := singleCall(d.answer(createdEntry()))
			Expect(call.Destination).To(Equal("SpaceManager"))
			Expect(call.Msg).To(Equal(&messages.GetSpaceInfoAndLock{Token: "token-1"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingSpaceReservationInfo))

			call = singleCall(d.answer(&messages.GetSpaceInfoAndLock{Token: "token-1", Locked: 500, Pool: "pool-s"}))
			Expect(call.Destination).To(Equal("pool-s"))
			start := call.Msg.(*messages.StartMover)
			Expect(start.PreallocatedSpace).To(Equal(int64(500)))
			Expect(start.MaxSpace).To(Equal(int64(500)))

			d.answer(&messages.StartMover{MoverID: 1})
			effs := d.handle(handler.Finished{Msg: &messages.TransferFinished{TransferID: 1, FileSize: 800}})
			Expect(find[handler.Notify](effs)).To(Equal([]handler.Notify{{
				Destination: "SpaceManager",
				Msg:         &messages.UtilizedSpace{Token: "token-1", Size: 500},
			}}))
			Expect(doneOf(effs).Err).ToNot(HaveOccurred())
		})

		It("releases the reservation when the mover fails", func() {
			d.answer(createdEntry())
			d.answer(&messages.GetSpaceInfoAndLock{Token: "token-1", Locked: 500, Pool: "pool-s"})
			d.answer(&messages.StartMover{MoverID: 1})

			effs := d.handle(handler.Finished{Msg: withStatus(&messages.TransferFinished{TransferID: 1}, 1, "disk full")})
			Expect(find[handler.Notify](effs)).To(Equal([]handler.Notify{{
				Destination: "SpaceManager",
				Msg:         &messages.UnlockSpace{Token: "token-1", Size: 500},
			}}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
			Expect(errtypes.Code(d.m.Failure())).To(Equal(errtypes.CodeTransferFailed))
		})

		It("fails with a space manager error", func() {
			d.answer(createdEntry())
			d.answer(withStatus(&messages.GetSpaceInfoAndLock{}, 1, "unknown token"))
			_, ok := d.m.Failure().(errtypes.IsSpaceManagerError)
			Expect(ok).To(BeTrue())
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
		})
	})

	Describe("timeouts and cancellation", func() {
		It("kills the mover and cleans up when the mover deadline passes", func() {
			d := newDriver(storeRequest())
			d.toActive()

			effs := d.handle(handler.Expired{})
			Expect(find[handler.Notify](effs)).To(Equal([]handler.Notify{{
				Destination: "pool-a",
				Msg:         &messages.KillMover{Pool: "pool-a", MoverID: 7},
			}}))
			call := singleCall(effs)
			Expect(call.Msg).To(Equal(&messages.GetFileMetadata{Path: "/data/f"}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))

			call = singleCall(d.answer(existingFile(0o644)))
			Expect(call.Msg).To(Equal(&messages.DeleteEntry{Path: "/data/f"}))

			effs = d.answer(&messages.DeleteEntry{Path: "/data/f"})
			done := doneOf(effs)
			_, ok := done.Err.(errtypes.IsTimeout)
			Expect(ok).To(BeTrue())
			Expect(done.Reply.(*messages.TransferFailed).Code).To(Equal(errtypes.CodeCanceled))
			// the deadline fired, nothing left to disarm
			Expect(find[handler.Disarm](effs)).To(BeEmpty())
		})

		It("disarms the deadline when canceled while active", func() {
			d := newDriver(storeRequest())
			d.toActive()
			d.handle(handler.Cancel{Reason: errtypes.Canceled("operator")})
			d.answer(existingFile(0o644))
			effs := d.answer(&messages.DeleteEntry{})
			Expect(find[handler.Disarm](effs)).To(HaveLen(1))
			Expect(errtypes.Code(doneOf(effs).Err)).To(Equal(errtypes.CodeCanceled))
		})

		It("applies a cancel received while a call is outstanding at the next reply", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})

			Expect(d.handle(handler.Cancel{Reason: errtypes.Canceled("operator")})).To(BeEmpty())

			effs := d.answer(parentDir())
			Expect(find[handler.Call](effs)).To(BeEmpty())
			_, ok := doneOf(effs).Err.(errtypes.IsCanceled)
			Expect(ok).To(BeTrue())
		})

		It("kills a mover whose start reply arrives after a cancel", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())
			d.answer(&messages.SelectPool{Pool: "pool-a"})
			d.handle(handler.Cancel{Reason: errtypes.Canceled("operator")})

			effs := d.answer(&messages.StartMover{MoverID: 9})
			Expect(find[handler.Arm](effs)).To(BeEmpty())
			Expect(find[handler.Notify](effs)).To(ContainElement(handler.Notify{
				Destination: "pool-a",
				Msg:         &messages.KillMover{Pool: "pool-a", MoverID: 9},
			}))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
		})

		It("treats a silent pool manager like a cancel", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())

			effs := d.handle(handler.ReplyTimeout{Seq: d.last.Seq})
			Expect(singleCall(effs).Msg).To(Equal(&messages.GetFileMetadata{Path: "/data/f"}))
			_, ok := d.m.Failure().(errtypes.IsTimeout)
			Expect(ok).To(BeTrue())
		})

		It("reports undeliverable requests as unavailable", func() {
			d := newDriver(restoreRequest())
			d.handle(handler.Start{})
			done := doneOf(d.handle(handler.ReplyError{Seq: d.last.Seq, Err: errtypes.Unavailable("no route")}))
			Expect(errtypes.Code(done.Err)).To(Equal(errtypes.CodeUnavailable))
		})

		It("ignores cancels during cleanup", func() {
			d := newDriver(storeRequest())
			d.toActive()
			d.handle(handler.Finished{Msg: withStatus(&messages.TransferFinished{}, 1, "remote closed")})
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))

			effs, err := d.m.Handle(handler.Cancel{Reason: errtypes.Canceled("operator")}, handler.Env{Config: d.cfg, Now: d.now})
			Expect(err).To(HaveOccurred())
			Expect(effs).To(BeEmpty())

			d.answer(existingFile(0o644))
			done := doneOf(d.answer(&messages.DeleteEntry{}))
			Expect(errtypes.Code(done.Err)).To(Equal(errtypes.CodeTransferFailed))
		})
	})

	Describe("cleanup", func() {
		var d *driver

		BeforeEach(func() {
			d = newDriver(storeRequest())
			d.handle(handler.Start{})
			d.answer(parentDir())
			d.answer(createdEntry())
			d.answer(withStatus(&messages.SelectPool{}, 1, "no pool available"))
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceDeleteCheck))
		})

		It("retries a failed delete and keeps the original reason", func() {
			call := singleCall(d.answer(existingFile(0o644)))
			Expect(call.Msg).To(Equal(&messages.DeleteEntry{Path: "/data/f"}))

			call = singleCall(d.answer(withStatus(&messages.DeleteEntry{}, 1, "locked")))
			Expect(call.Msg).To(Equal(&messages.DeleteEntry{Path: "/data/f"}))
			Expect(d.m.State().Retries).To(Equal(1))

			effs := d.answer(withStatus(&messages.DeleteEntry{}, 1, "locked"))
			Expect(find[handler.Call](effs)).To(BeEmpty())
			done := doneOf(effs)
			_, ok := done.Err.(errtypes.IsPoolManagerError)
			Expect(ok).To(BeTrue())
			Expect(d.m.State().Retries).To(Equal(2))
		})

		It("issues a single delete without retries", func() {
			d.cfg.MaxDeleteRetries = 0
			singleCall(d.answer(existingFile(0o644)))
			effs := d.answer(withStatus(&messages.DeleteEntry{}, 1, "locked"))
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(doneOf(effs).Err).To(HaveOccurred())
			Expect(d.m.State().Retries).To(Equal(1))
		})

		It("counts a delete timeout as a failed attempt", func() {
			d.answer(existingFile(0o644))
			call := singleCall(d.handle(handler.ReplyTimeout{Seq: d.last.Seq}))
			Expect(call.Msg).To(BeAssignableToTypeOf(&messages.DeleteEntry{}))
			done := doneOf(d.handle(handler.ReplyError{Seq: d.last.Seq, Err: errtypes.Unavailable("down")}))
			Expect(errtypes.Code(done.Err)).To(Equal(errtypes.CodeServiceError))
		})

		It("skips the delete when the entry is gone", func() {
			effs := d.answer(withStatus(&messages.GetFileMetadata{}, 1, "no such file"))
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(find[handler.Log](effs)).To(HaveLen(1))
			Expect(doneOf(effs).Err).To(HaveOccurred())
		})

		It("does not delete an entry that was replaced", func() {
			replaced := existingFile(0o644)
			replaced.NamespaceID = "0000OTHER"
			effs := d.answer(replaced)
			Expect(find[handler.Call](effs)).To(BeEmpty())
			Expect(doneOf(effs).Err).To(HaveOccurred())
		})
	})

	Describe("stale and late events", func() {
		It("ignores replies to calls that are no longer outstanding", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			stale := d.last.Seq
			d.answer(parentDir())

			effs, err := d.m.Handle(handler.Reply{Seq: stale, Msg: parentDir()}, handler.Env{Config: d.cfg, Now: d.now})
			Expect(err).To(HaveOccurred())
			Expect(effs).To(BeEmpty())
			Expect(d.phase()).To(Equal(transfer.AwaitingNamespaceCreate))
		})

		It("ignores replies of the wrong type", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			effs, err := d.m.Handle(handler.Reply{Seq: d.last.Seq, Msg: &messages.SelectPool{Pool: "pool-a"}}, handler.Env{Config: d.cfg, Now: d.now})
			Expect(err).To(HaveOccurred())
			Expect(effs).To(BeEmpty())
			_, waiting := d.m.Outstanding()
			Expect(waiting).To(BeTrue())
		})

		It("does nothing once terminal", func() {
			d := newDriver(restoreRequest())
			d.handle(handler.Start{})
			d.answer(withStatus(&messages.GetFileMetadata{}, 1, "gone"))
			Expect(d.m.State().Terminal).To(BeTrue())
			before := d.m.State()

			for _, ev := range []handler.Event{
				handler.Start{},
				handler.Cancel{Reason: errtypes.Canceled("late")},
				handler.Expired{},
				handler.Finished{Msg: &messages.TransferFinished{}},
				handler.ReplyTimeout{Seq: d.last.Seq},
			} {
				effs, err := d.m.Handle(ev, handler.Env{Config: d.cfg, Now: d.now.Add(time.Hour)})
				Expect(err).To(HaveOccurred())
				Expect(effs).To(BeEmpty())
			}
			Expect(d.m.State()).To(Equal(before))
		})

		It("ignores a finished report outside of a running mover", func() {
			d := newDriver(storeRequest())
			d.handle(handler.Start{})
			_, err := d.m.Handle(handler.Finished{Msg: &messages.TransferFinished{}}, handler.Env{Config: d.cfg, Now: d.now})
			Expect(err).To(HaveOccurred())
		})
	})
})
