package ethereum

// AuctionABI is the interface of the on-chain auction house the operator
// drives. Only the members used here are declared.
const AuctionABI = `[
  {"type":"function","name":"createAuction","stateMutability":"nonpayable",
   "inputs":[{"name":"description","type":"string"}],
   "outputs":[{"name":"auctionId","type":"uint256"}]},
  {"type":"function","name":"auctions","stateMutability":"view",
   "inputs":[{"name":"auctionId","type":"uint256"}],
   "outputs":[{"name":"description","type":"string"},{"name":"winner","type":"address"},
              {"name":"deadline","type":"uint256"},{"name":"resolved","type":"bool"}]},
  {"type":"event","name":"AuctionCreated","anonymous":false,
   "inputs":[{"name":"auctionId","type":"uint256","indexed":true},
             {"name":"description","type":"string","indexed":false},
             {"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"BidSubmitted","anonymous":false,
   "inputs":[{"name":"auctionId","type":"uint256","indexed":true},
             {"name":"agent","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false}]}
]`

const (
	methodCreateAuction = "createAuction"
	methodAuctions      = "auctions"
	eventAuctionCreated = "AuctionCreated"
	eventBidSubmitted   = "BidSubmitted"
)
