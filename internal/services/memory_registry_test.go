package services

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/shopcore/api/internal/domain"
	"github.com/shopcore/api/internal/repositories"
)

type memError struct {
	notFound    bool
	conflict    bool
	unavailable bool
	msg         string
}

func (e memError) Error() string       { return e.msg }
func (e memError) IsNotFound() bool    { return e.notFound }
func (e memError) IsConflict() bool    { return e.conflict }
func (e memError) IsUnavailable() bool { return e.unavailable }

func errMemNotFound(what string) error { return memError{notFound: true, msg: what + " not found"} }

var errMemUnavailable = memError{unavailable: true, msg: "store unavailable"}

type memCartLine struct {
	ID          int64
	VariationID int64
	Count       int
	Sum         int64
}

type memCart struct {
	ID     int64
	UserID int64
	Status domain.CartStatus
	Lines  []memCartLine
}

// memState is the whole store; RunInTx snapshots it and restores on error.
type memState struct {
	seq         int64
	carts       map[int64]memCart
	variations  map[int64]domain.ProductVariation
	stock       map[int64]int
	orders      map[int64]domain.Order
	contracts   map[int64]domain.Contract
	txs         []domain.ContractTransaction
	wallets     map[int64]domain.Wallet
	walletTxs   []domain.WalletTransaction
	discounts   map[string]domain.Discount
	general     []domain.GeneralDiscount
	methods     map[int64]domain.ShippingMethod
	addresses   map[int64]domain.Address
	users       map[int64]domain.User
	logs        []domain.OrderLog
	mappings    []domain.CategoryMapping
	mappingHits int
}

func (s *memState) clone() *memState {
	out := *s
	out.carts = make(map[int64]memCart, len(s.carts))
	for k, c := range s.carts {
		c.Lines = slices.Clone(c.Lines)
		out.carts[k] = c
	}
	out.variations = maps.Clone(s.variations)
	out.stock = maps.Clone(s.stock)
	out.orders = make(map[int64]domain.Order, len(s.orders))
	for k, o := range s.orders {
		o.Items = slices.Clone(o.Items)
		if o.Discount != nil {
			d := *o.Discount
			o.Discount = &d
		}
		out.orders[k] = o
	}
	out.contracts = maps.Clone(s.contracts)
	out.txs = slices.Clone(s.txs)
	out.wallets = maps.Clone(s.wallets)
	out.walletTxs = slices.Clone(s.walletTxs)
	out.discounts = maps.Clone(s.discounts)
	out.general = slices.Clone(s.general)
	out.logs = slices.Clone(s.logs)
	return &out
}

type memTxKey struct{}

// memRegistry is an in-memory repositories.Registry with transactional rollback.
type memRegistry struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time

	// failures injects errors keyed by operation name, e.g. "orders.InsertItem".
	failures map[string]error
}

var _ repositories.Registry = (*memRegistry)(nil)

func newMemRegistry() *memRegistry {
	return &memRegistry{
		state: &memState{
			carts:      map[int64]memCart{},
			variations: map[int64]domain.ProductVariation{},
			stock:      map[int64]int{},
			orders:     map[int64]domain.Order{},
			contracts:  map[int64]domain.Contract{},
			wallets:    map[int64]domain.Wallet{},
			discounts:  map[string]domain.Discount{},
			methods:    map[int64]domain.ShippingMethod{},
			addresses:  map[int64]domain.Address{},
			users:      map[int64]domain.User{},
		},
		now:      fixedClock,
		failures: map[string]error{},
	}
}

func (r *memRegistry) fail(op string) error {
	if err, ok := r.failures[op]; ok {
		return err
	}
	return nil
}

func (r *memRegistry) nextID() int64 {
	r.state.seq++
	return r.state.seq
}

func (r *memRegistry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		r.mu.Lock()
		r.state = snapshot
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRegistry) Close(context.Context) error { return nil }

func (r *memRegistry) Carts() repositories.CartRepository                 { return memCarts{r} }
func (r *memRegistry) Catalog() repositories.CatalogRepository            { return memCatalog{r} }
func (r *memRegistry) Orders() repositories.OrderRepository               { return memOrders{r} }
func (r *memRegistry) Contracts() repositories.ContractRepository         { return memContracts{r} }
func (r *memRegistry) Wallets() repositories.WalletRepository             { return memWallets{r} }
func (r *memRegistry) Discounts() repositories.DiscountRepository         { return memDiscounts{r} }
func (r *memRegistry) ShippingMethods() repositories.ShippingMethodRepository { return memLookups{r} }
func (r *memRegistry) Addresses() repositories.AddressRepository          { return memAddresses{r} }
func (r *memRegistry) Users() repositories.UserRepository                 { return memUsers{r} }
func (r *memRegistry) OrderLogs() repositories.OrderLogRepository         { return memLogs{r} }
func (r *memRegistry) CategoryMappings() repositories.CategoryMappingRepository {
	return memMappings{r}
}
func (r *memRegistry) Health() repositories.HealthRepository { return &stubHealthRepository{} }

// seeding helpers

func (r *memRegistry) addVariation(id int64, title, sku string, price int64, stock int, weight int, category string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.variations[id] = domain.ProductVariation{
		ID:        id,
		ProductID: id * 100,
		SKU:       sku,
		Price:     price,
		Product:   &domain.Product{ID: id * 100, Title: title, Weight: weight, Category: category},
	}
	if stock >= 0 {
		r.state.stock[id] = stock
	}
}

func (r *memRegistry) addCartLine(userID, variationID int64, count int) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.state.carts[userID]
	if !ok {
		cart = memCart{ID: r.nextID(), UserID: userID}
	}
	id := r.nextID()
	price := r.state.variations[variationID].EffectivePrice()
	cart.Lines = append(cart.Lines, memCartLine{ID: id, VariationID: variationID, Count: count, Sum: price * int64(count)})
	cart.Status = domain.CartStatusPending
	r.state.carts[userID] = cart
	return id
}

func (r *memRegistry) setWallet(userID, balance int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.wallets[userID] = domain.Wallet{ID: r.nextID(), UserID: userID, Balance: balance}
}

func (r *memRegistry) addMethod(m domain.ShippingMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.methods[m.ID] = m
}

func (r *memRegistry) addUser(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.users[u.ID] = u
}

func (r *memRegistry) addAddress(a domain.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.addresses[a.ID] = a
}

func (r *memRegistry) addDiscount(d domain.Discount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.discounts[strings.ToLower(d.Code)] = d
}

func (r *memRegistry) addGeneral(d domain.GeneralDiscount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.general = append(r.state.general, d)
}

// inspection helpers

func (r *memRegistry) order(id int64) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.orders[id]
}

func (r *memRegistry) contractOf(orderID int64) domain.Contract {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.state.contracts {
		if c.OrderID == orderID {
			return c
		}
	}
	return domain.Contract{}
}

func (r *memRegistry) transactionsOf(contractID int64) []domain.ContractTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ContractTransaction
	for _, tx := range r.state.txs {
		if tx.ContractID == contractID {
			out = append(out, tx)
		}
	}
	return out
}

func (r *memRegistry) stockOf(variationID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.stock[variationID]
}

func (r *memRegistry) walletBalance(userID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.wallets[userID].Balance
}

func (r *memRegistry) walletTransactions() []domain.WalletTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.state.walletTxs)
}

func (r *memRegistry) cartLines(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.carts[userID].Lines)
}

func (r *memRegistry) orderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.orders)
}

func (r *memRegistry) logDescriptions(orderID int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.state.logs {
		if l.OrderID == orderID {
			out = append(out, l.Description)
		}
	}
	return out
}

func (r *memRegistry) discountUsage(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.discounts[strings.ToLower(code)].UsedTimes
}

type memCarts struct{ r *memRegistry }

func (c memCarts) GetOrCreate(ctx context.Context, userID int64) (domain.Cart, error) {
	r := c.r
	if err := r.fail("carts.GetOrCreate"); err != nil {
		return domain.Cart{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.state.carts[userID]
	if !ok {
		cart = memCart{ID: r.nextID(), UserID: userID, Status: domain.CartStatusEmpty}
	}
	out := domain.Cart{ID: cart.ID, UserID: userID, Status: cart.Status}
	kept := cart.Lines[:0:0]
	for _, line := range cart.Lines {
		v, ok := r.state.variations[line.VariationID]
		if !ok || v.Product == nil {
			continue
		}
		kept = append(kept, line)
		if count, ok := r.state.stock[v.ID]; ok {
			v.Stock = &domain.ProductStock{ID: v.ID, VariationID: v.ID, Count: count}
		}
		out.Items = append(out.Items, domain.CartItem{
			ID:          line.ID,
			CartID:      cart.ID,
			VariationID: line.VariationID,
			Count:       line.Count,
			Sum:         line.Sum,
			Variation:   &v,
		})
	}
	cart.Lines = kept
	if len(kept) == 0 {
		cart.Status = domain.CartStatusEmpty
	}
	r.state.carts[userID] = cart
	out.Status = cart.Status
	return out, nil
}

func (c memCarts) UpdateItemCount(ctx context.Context, itemID int64, count int, sum int64) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, cart := range r.state.carts {
		for i, line := range cart.Lines {
			if line.ID == itemID {
				cart.Lines[i].Count = count
				cart.Lines[i].Sum = sum
				r.state.carts[uid] = cart
				return nil
			}
		}
	}
	return errMemNotFound("cart item")
}

func (c memCarts) RemoveItem(ctx context.Context, itemID int64) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, cart := range r.state.carts {
		for i, line := range cart.Lines {
			if line.ID == itemID {
				cart.Lines = slices.Delete(slices.Clone(cart.Lines), i, i+1)
				r.state.carts[uid] = cart
				return nil
			}
		}
	}
	return errMemNotFound("cart item")
}

func (c memCarts) SetStatus(ctx context.Context, cartID int64, status domain.CartStatus) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, cart := range r.state.carts {
		if cart.ID == cartID {
			cart.Status = status
			r.state.carts[uid] = cart
			return nil
		}
	}
	return errMemNotFound("cart")
}

func (c memCarts) Clear(ctx context.Context, userID int64) error {
	r := c.r
	if err := r.fail("carts.Clear"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.state.carts[userID]
	if !ok {
		return errMemNotFound("cart")
	}
	cart.Lines = nil
	cart.Status = domain.CartStatusEmpty
	r.state.carts[userID] = cart
	return nil
}

type memCatalog struct{ r *memRegistry }

func (c memCatalog) FindVariation(ctx context.Context, variationID int64) (domain.ProductVariation, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state.variations[variationID]
	if !ok {
		return domain.ProductVariation{}, errMemNotFound("variation")
	}
	return v, nil
}

func (c memCatalog) DecrementStock(ctx context.Context, variationID int64, qty int) (repositories.StockChange, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.state.stock[variationID]
	if !ok {
		return repositories.StockChange{}, errMemNotFound("stock")
	}
	applied := min(qty, current)
	r.state.stock[variationID] = current - applied
	return repositories.StockChange{VariationID: variationID, Requested: qty, Applied: applied, Remaining: current - applied}, nil
}

func (c memCatalog) IncrementStock(ctx context.Context, variationID int64, qty int) (repositories.StockChange, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.state.stock[variationID]
	if !ok {
		return repositories.StockChange{}, errMemNotFound("stock")
	}
	r.state.stock[variationID] = current + qty
	return repositories.StockChange{VariationID: variationID, Requested: qty, Applied: qty, Remaining: current + qty}, nil
}

type memOrders struct{ r *memRegistry }

func (o memOrders) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	r := o.r
	if err := r.fail("orders.Insert"); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order.ID = r.nextID()
	order.Items = nil
	r.state.orders[order.ID] = order
	return order, nil
}

func (o memOrders) InsertItem(ctx context.Context, item domain.OrderItem) (domain.OrderItem, error) {
	r := o.r
	if err := r.fail("orders.InsertItem"); err != nil {
		return domain.OrderItem{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.state.orders[item.OrderID]
	if !ok {
		return domain.OrderItem{}, errMemNotFound("order")
	}
	item.ID = r.nextID()
	order.Items = append(slices.Clone(order.Items), item)
	r.state.orders[order.ID] = order
	return item, nil
}

func (o memOrders) FindByID(ctx context.Context, orderID int64) (domain.Order, error) {
	r := o.r
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.state.orders[orderID]
	if !ok {
		return domain.Order{}, errMemNotFound("order")
	}
	order.Items = slices.Clone(order.Items)
	return order, nil
}

func (o memOrders) FindByIDForUpdate(ctx context.Context, orderID int64) (domain.Order, error) {
	return o.FindByID(ctx, orderID)
}

func (o memOrders) Update(ctx context.Context, order domain.Order) error {
	r := o.r
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.orders[order.ID]
	if !ok {
		return errMemNotFound("order")
	}
	stored.Status = order.Status
	stored.ShippingCost = order.ShippingCost
	stored.ShipmentWeight = order.ShipmentWeight
	stored.ShippingBarcode = order.ShippingBarcode
	stored.ShippingPostPrice = order.ShippingPostPrice
	stored.ShippingTax = order.ShippingTax
	if order.Discount != nil {
		d := *order.Discount
		stored.Discount = &d
	} else {
		stored.Discount = nil
	}
	r.state.orders[order.ID] = stored
	return nil
}

func (o memOrders) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	r := o.r
	if err := r.fail("orders.UpdateStatus"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.orders[orderID]
	if !ok {
		return errMemNotFound("order")
	}
	stored.Status = status
	r.state.orders[orderID] = stored
	return nil
}

func (o memOrders) TransitionStatus(ctx context.Context, orderID int64, from, to domain.OrderStatus) (bool, error) {
	r := o.r
	if err := r.fail("orders.TransitionStatus"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.orders[orderID]
	if !ok || stored.Status != from {
		return false, nil
	}
	stored.Status = to
	r.state.orders[orderID] = stored
	return true, nil
}

func (o memOrders) UpdateItemCount(ctx context.Context, itemID int64, count int) error {
	return o.mutateItem(itemID, func(items []domain.OrderItem, i int) []domain.OrderItem {
		items[i].Count = count
		return items
	})
}

func (o memOrders) DeleteItem(ctx context.Context, itemID int64) error {
	return o.mutateItem(itemID, func(items []domain.OrderItem, i int) []domain.OrderItem {
		return slices.Delete(items, i, i+1)
	})
}

func (o memOrders) mutateItem(itemID int64, fn func([]domain.OrderItem, int) []domain.OrderItem) error {
	r := o.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, order := range r.state.orders {
		for i, item := range order.Items {
			if item.ID == itemID {
				order.Items = fn(slices.Clone(order.Items), i)
				r.state.orders[id] = order
				return nil
			}
		}
	}
	return errMemNotFound("order item")
}

func (o memOrders) ListAwaitingSettlement(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	r := o.r
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, c := range r.state.contracts {
		order := r.state.orders[c.OrderID]
		if order.Status != domain.OrderStatusStarted {
			continue
		}
		for _, tx := range r.state.txs {
			if tx.ContractID == c.ID && tx.ExternalSource == domain.ExternalSourceSnappPay &&
				tx.Status == domain.ContractTransactionPending && tx.CreatedAt.Before(cutoff) {
				ids = append(ids, order.ID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memContracts struct{ r *memRegistry }

func (c memContracts) Insert(ctx context.Context, contract domain.Contract) (domain.Contract, error) {
	r := c.r
	if err := r.fail("contracts.Insert"); err != nil {
		return domain.Contract{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.state.contracts {
		if existing.OrderID == contract.OrderID {
			return domain.Contract{}, memError{conflict: true, msg: "contract exists"}
		}
	}
	contract.ID = r.nextID()
	contract.CreatedAt = r.now()
	r.state.contracts[contract.ID] = contract
	return contract, nil
}

func (c memContracts) withTransactions(contract domain.Contract) domain.Contract {
	contract.Transactions = nil
	for _, tx := range c.r.state.txs {
		if tx.ContractID == contract.ID {
			contract.Transactions = append(contract.Transactions, tx)
		}
	}
	return contract
}

func (c memContracts) FindByID(ctx context.Context, contractID int64) (domain.Contract, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	contract, ok := r.state.contracts[contractID]
	if !ok {
		return domain.Contract{}, errMemNotFound("contract")
	}
	return c.withTransactions(contract), nil
}

func (c memContracts) FindByOrder(ctx context.Context, orderID int64) (domain.Contract, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, contract := range r.state.contracts {
		if contract.OrderID == orderID {
			return c.withTransactions(contract), nil
		}
	}
	return domain.Contract{}, errMemNotFound("contract")
}

func (c memContracts) FindByOrderForUpdate(ctx context.Context, orderID int64) (domain.Contract, error) {
	return c.FindByOrder(ctx, orderID)
}

func (c memContracts) Update(ctx context.Context, contract domain.Contract) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.contracts[contract.ID]
	if !ok {
		return errMemNotFound("contract")
	}
	stored.Amount = contract.Amount
	stored.Status = contract.Status
	stored.Type = contract.Type
	stored.ExternalSource = contract.ExternalSource
	stored.ExternalID = contract.ExternalID
	r.state.contracts[contract.ID] = stored
	return nil
}

func (c memContracts) UpdateStatus(ctx context.Context, contractID int64, status domain.ContractStatus) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.state.contracts[contractID]
	if !ok {
		return errMemNotFound("contract")
	}
	stored.Status = status
	r.state.contracts[contractID] = stored
	return nil
}

func (c memContracts) InsertTransaction(ctx context.Context, tx domain.ContractTransaction) (domain.ContractTransaction, error) {
	r := c.r
	if err := r.fail("contracts.InsertTransaction"); err != nil {
		return domain.ContractTransaction{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.ID = r.nextID()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = r.now()
	}
	r.state.txs = append(r.state.txs, tx)
	return tx, nil
}

func (c memContracts) UpdateTransaction(ctx context.Context, tx domain.ContractTransaction) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, stored := range r.state.txs {
		if stored.ID == tx.ID {
			r.state.txs[i].Status = tx.Status
			r.state.txs[i].TrackID = tx.TrackID
			r.state.txs[i].ExternalID = tx.ExternalID
			return nil
		}
	}
	return errMemNotFound("transaction")
}

func (c memContracts) TransitionTransaction(ctx context.Context, tx domain.ContractTransaction, from domain.ContractTransactionStatus) (bool, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, stored := range r.state.txs {
		if stored.ID != tx.ID {
			continue
		}
		if stored.Status != from {
			return false, nil
		}
		r.state.txs[i].Status = tx.Status
		r.state.txs[i].TrackID = tx.TrackID
		r.state.txs[i].ExternalID = tx.ExternalID
		return true, nil
	}
	return false, nil
}

func (c memContracts) ListTransactions(ctx context.Context, contractID int64) ([]domain.ContractTransaction, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ContractTransaction
	for _, tx := range r.state.txs {
		if tx.ContractID == contractID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (c memContracts) findTx(match func(domain.ContractTransaction) bool) (domain.ContractTransaction, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.state.txs) - 1; i >= 0; i-- {
		if match(r.state.txs[i]) {
			return r.state.txs[i], nil
		}
	}
	return domain.ContractTransaction{}, errMemNotFound("transaction")
}

func (c memContracts) FindTransactionByExternalID(ctx context.Context, externalID string) (domain.ContractTransaction, error) {
	return c.findTx(func(tx domain.ContractTransaction) bool { return tx.ExternalID == externalID })
}

func (c memContracts) FindTransactionByTrackID(ctx context.Context, trackID string) (domain.ContractTransaction, error) {
	return c.findTx(func(tx domain.ContractTransaction) bool { return tx.TrackID == trackID })
}

func (c memContracts) LatestTransaction(ctx context.Context, orderID int64, txType domain.ContractTransactionType) (domain.ContractTransaction, error) {
	contract, err := c.FindByOrder(ctx, orderID)
	if err != nil {
		return domain.ContractTransaction{}, err
	}
	return c.findTx(func(tx domain.ContractTransaction) bool {
		return tx.ContractID == contract.ID && tx.Type == txType
	})
}

type memWallets struct{ r *memRegistry }

func (w memWallets) FindByUser(ctx context.Context, userID int64) (domain.Wallet, error) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.state.wallets[userID]
	if !ok {
		return domain.Wallet{}, errMemNotFound("wallet")
	}
	return wallet, nil
}

func (w memWallets) Deduct(ctx context.Context, userID int64, amount int64, at time.Time) (bool, error) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.state.wallets[userID]
	if !ok || wallet.Balance < amount {
		return false, nil
	}
	wallet.Balance -= amount
	wallet.LastTransactionAt = &at
	r.state.wallets[userID] = wallet
	return true, nil
}

func (w memWallets) Credit(ctx context.Context, userID int64, amount int64, at time.Time) (domain.Wallet, error) {
	r := w.r
	if err := r.fail("wallets.Credit"); err != nil {
		return domain.Wallet{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.state.wallets[userID]
	if !ok {
		wallet = domain.Wallet{ID: r.nextID(), UserID: userID}
	}
	wallet.Balance += amount
	wallet.LastTransactionAt = &at
	r.state.wallets[userID] = wallet
	return wallet, nil
}

func (w memWallets) InsertTransaction(ctx context.Context, tx domain.WalletTransaction) (domain.WalletTransaction, error) {
	r := w.r
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.ID = r.nextID()
	r.state.walletTxs = append(r.state.walletTxs, tx)
	return tx, nil
}

type memDiscounts struct{ r *memRegistry }

func (d memDiscounts) FindActiveByCode(ctx context.Context, code string, now time.Time) (domain.Discount, error) {
	r := d.r
	r.mu.Lock()
	defer r.mu.Unlock()
	discount, ok := r.state.discounts[strings.ToLower(code)]
	if !ok || discount.RemovedAt != nil {
		return domain.Discount{}, errMemNotFound("discount")
	}
	return discount, nil
}

func (d memDiscounts) ListActiveGeneral(ctx context.Context, now time.Time) ([]domain.GeneralDiscount, error) {
	r := d.r
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.state.general), nil
}

func (d memDiscounts) IncrementUsage(ctx context.Context, code string) (bool, error) {
	r := d.r
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(code)
	discount, ok := r.state.discounts[key]
	if !ok {
		return false, errMemNotFound("discount")
	}
	if discount.LimitUsage > 0 && discount.UsedTimes >= discount.LimitUsage {
		return false, nil
	}
	discount.UsedTimes++
	r.state.discounts[key] = discount
	return true, nil
}

type memLookups struct{ r *memRegistry }

func (l memLookups) FindByID(ctx context.Context, methodID int64) (domain.ShippingMethod, error) {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.state.methods[methodID]
	if !ok {
		return domain.ShippingMethod{}, errMemNotFound("shipping method")
	}
	return m, nil
}

type memAddresses struct{ r *memRegistry }

func (a memAddresses) FindByID(ctx context.Context, addressID int64) (domain.Address, error) {
	r := a.r
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.state.addresses[addressID]
	if !ok {
		return domain.Address{}, errMemNotFound("address")
	}
	return addr, nil
}

type memUsers struct{ r *memRegistry }

func (u memUsers) FindByID(ctx context.Context, userID int64) (domain.User, error) {
	r := u.r
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.state.users[userID]
	if !ok {
		return domain.User{}, errMemNotFound("user")
	}
	return user, nil
}

type memLogs struct{ r *memRegistry }

func (l memLogs) Append(ctx context.Context, entry domain.OrderLog) error {
	r := l.r
	if err := r.fail("orderLogs.Append"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.nextID()
	r.state.logs = append(r.state.logs, entry)
	return nil
}

type memMappings struct{ r *memRegistry }

func (m memMappings) List(ctx context.Context) ([]domain.CategoryMapping, error) {
	r := m.r
	if err := r.fail("categoryMappings.List"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.mappingHits++
	return slices.Clone(r.state.mappings), nil
}

var errInjected = errors.New("injected failure")
